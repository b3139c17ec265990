package optimization

import "github.com/benbjohnson/clock"

// options configures an Optimizer.
type options struct {
	sink  ResultSink
	clock clock.Clock
}

// Option configures how an Optimizer is set up.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an
// implementation of the Option interface.
type funcOption struct {
	f func(*options)
}

func (fdo *funcOption) apply(do *options) {
	fdo.f(do)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// WithResultSink returns an Option which receives the Jacobian and covariance computed by
// local bundle adjustment.
func WithResultSink(sink ResultSink) Option {
	return newFuncOption(func(o *options) {
		o.sink = sink
	})
}

// WithClock returns an Option which sets the clock used for solver time budgets.
func WithClock(c clock.Clock) Option {
	return newFuncOption(func(o *options) {
		o.clock = c
	})
}
