package factor

import "math"

// Loss is a robust loss ρ(s) applied to the squared norm s of a residual block. Evaluate
// returns ρ(s), ρ'(s) and ρ''(s).
type Loss interface {
	Evaluate(s float64) (float64, float64, float64)
}

// TrivialLoss is ρ(s) = s.
type TrivialLoss struct{}

// Evaluate returns s, 1, 0.
func (TrivialLoss) Evaluate(s float64) (float64, float64, float64) {
	return s, 1, 0
}

// CauchyLoss is ρ(s) = a²·log(1 + s/a²).
type CauchyLoss struct {
	b float64
	c float64
}

// NewCauchyLoss returns a Cauchy loss of scale a.
func NewCauchyLoss(a float64) *CauchyLoss {
	return &CauchyLoss{b: a * a, c: 1 / (a * a)}
}

// Evaluate returns the loss and its derivatives.
func (l *CauchyLoss) Evaluate(s float64) (float64, float64, float64) {
	sum := 1 + s*l.c
	inv := 1 / sum
	return l.b * math.Log1p(s*l.c), inv, -l.c * inv * inv
}

// HuberLoss is ρ(s) = s for s ≤ a² and 2a·√s - a² otherwise.
type HuberLoss struct {
	a float64
	b float64
}

// NewHuberLoss returns a Huber loss of scale a.
func NewHuberLoss(a float64) *HuberLoss {
	return &HuberLoss{a: a, b: a * a}
}

// Evaluate returns the loss and its derivatives.
func (l *HuberLoss) Evaluate(s float64) (float64, float64, float64) {
	if s > l.b {
		r := math.Sqrt(s)
		rho1 := math.Max(math.SmallestNonzeroFloat64, l.a/r)
		return 2*l.a*r - l.b, rho1, -rho1 / (2 * s)
	}
	return s, 1, 0
}
