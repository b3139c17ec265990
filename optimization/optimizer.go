// Package optimization implements the map optimizations of the collaborative backend: global
// and local bundle adjustment, two-view relative pose refinement and pose graph optimization
// in 6 and 4 degrees of freedom.
//
// Procedures assume exclusive access to every keyframe and landmark they touch. Callers that
// share a map between goroutines serialize calls, for instance through slam.Map.Mutate.
package optimization

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/config"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
)

// Map is the part of the map arena the procedures read and mutate.
type Map interface {
	Keyframes() []*slam.Keyframe
	Landmarks() []*slam.Landmark
	LoopConstraints() []slam.LoopConstraint
	Keyframe(id slam.KeyframeID) (*slam.Keyframe, bool)
	Landmark(id slam.LandmarkID) (*slam.Landmark, bool)
	Predecessor(kf *slam.Keyframe) (*slam.Keyframe, bool)
	Successor(kf *slam.Keyframe) (*slam.Keyframe, bool)
	AnchorID() slam.KeyframeID
	EraseObservation(lm slam.LandmarkID, kf slam.KeyframeID)
	Clean() slam.CleanStats
}

var _ Map = (*slam.Map)(nil)

// Optimizer runs the map optimizations with one configuration.
type Optimizer struct {
	cfg    config.Optimization
	logger logging.Logger
	sink   ResultSink
	clock  clock.Clock
}

// New validates cfg and returns an Optimizer.
func New(cfg config.Optimization, logger logging.Logger, opts ...Option) (*Optimizer, error) {
	if err := cfg.Validate("optimizer"); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.sink == nil {
		o.sink = NopResultSink{}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if cfg.LogLevel != "" {
		level, err := logging.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = logger.With()
		logger.SetLevel(level)
	}
	return &Optimizer{cfg: cfg, logger: logger, sink: o.sink, clock: o.clock}, nil
}

// Config returns the configuration the optimizer was built with.
func (o *Optimizer) Config() config.Optimization {
	return o.cfg
}

func (o *Optimizer) solverOptions(
	logger logging.Logger,
	maxIterations int,
	maxTime time.Duration,
	linear solver.LinearSolverType,
) solver.Options {
	opts := solver.DefaultOptions()
	opts.MaxIterations = maxIterations
	opts.MaxSolverTime = maxTime
	opts.NumThreads = o.cfg.NumThreads
	opts.LinearSolver = linear
	opts.TrustRegion = solver.Dogleg
	if o.cfg.TrustRegion == config.TrustRegionLevenbergMarquardt {
		opts.TrustRegion = solver.LevenbergMarquardt
	}
	opts.FunctionTolerance = o.cfg.FunctionTolerance
	opts.GradientTolerance = o.cfg.GradientTolerance
	opts.ParameterTolerance = o.cfg.ParameterTolerance
	opts.Clock = o.clock
	opts.Logger = logger
	return opts
}

func toCleanCounts(stats slam.CleanStats) CleanCounts {
	return CleanCounts{Keyframes: stats.Keyframes, Landmarks: stats.Landmarks, Observations: stats.Observations}
}
