package solver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/EmmanuelMess/covins/logging"
)

// LinearSolverType selects how the trust region subproblem is solved. Both solvers factor dense
// matrices, so memory grows with the square of the non-eliminated tangent dimension: a
// visual-inertial problem over N keyframes reduces to a (15·N)² system.
type LinearSolverType int

const (
	// DenseSchur eliminates independent point blocks, then factors the dense reduced system.
	DenseSchur LinearSolverType = iota
	// DenseNormalCholesky factors the full dense normal equations.
	DenseNormalCholesky
)

func (t LinearSolverType) String() string {
	switch t {
	case DenseSchur:
		return "dense_schur"
	case DenseNormalCholesky:
		return "dense_normal_cholesky"
	default:
		return fmt.Sprintf("linear_solver(%d)", int(t))
	}
}

// TrustRegionStrategy selects the step computation.
type TrustRegionStrategy int

const (
	// Dogleg combines the Gauss-Newton and steepest descent steps.
	Dogleg TrustRegionStrategy = iota
	// LevenbergMarquardt damps the Gauss-Newton step.
	LevenbergMarquardt
)

func (t TrustRegionStrategy) String() string {
	switch t {
	case Dogleg:
		return "dogleg"
	case LevenbergMarquardt:
		return "levenberg_marquardt"
	default:
		return fmt.Sprintf("trust_region(%d)", int(t))
	}
}

// TerminationType says why Solve stopped.
type TerminationType int

const (
	// Convergence means one of the tolerances was met.
	Convergence TerminationType = iota
	// NoConvergence means the iteration or time budget ran out. The solution is still usable.
	NoConvergence
	// Failure means the solver could not make progress from the initial point.
	Failure
	// Canceled means the context was canceled. Parameters hold the last accepted point.
	Canceled
)

func (t TerminationType) String() string {
	switch t {
	case Convergence:
		return "convergence"
	case NoConvergence:
		return "no_convergence"
	case Failure:
		return "failure"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("termination(%d)", int(t))
	}
}

// Options configures Solve.
type Options struct {
	MaxIterations int
	// MaxSolverTime bounds the wall time of one Solve call. Zero means unbounded.
	MaxSolverTime time.Duration
	NumThreads    int
	LinearSolver  LinearSolverType
	TrustRegion   TrustRegionStrategy

	FunctionTolerance        float64
	GradientTolerance        float64
	ParameterTolerance       float64
	InitialTrustRegionRadius float64

	Clock  clock.Clock
	Logger logging.Logger
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations:            50,
		NumThreads:               1,
		LinearSolver:             DenseSchur,
		TrustRegion:              Dogleg,
		FunctionTolerance:        1e-6,
		GradientTolerance:        1e-10,
		ParameterTolerance:       1e-8,
		InitialTrustRegionRadius: 1e4,
	}
}

// Summary reports what a Solve call did.
type Summary struct {
	InitialCost         float64
	FinalCost           float64
	Iterations          int
	SuccessfulSteps     int
	UnsuccessfulSteps   int
	NumParameterBlocks  int
	NumResidualBlocks   int
	NumEliminatedBlocks int
	Termination         TerminationType
	Message             string
	WallTime            time.Duration
}

// IsSolutionUsable reports whether parameters were left at a point at least as good as the start.
func (s Summary) IsSolutionUsable() bool {
	return s.Termination == Convergence || s.Termination == NoConvergence || s.Termination == Canceled
}

const (
	maxTrustRegionRadius = 1e16
	minTrustRegionRadius = 1e-32
	minRelativeDecrease  = 1e-3
	gaussNewtonMu        = 1e-8
	maxRegularization    = 6
)

type trustRegion struct {
	strategy TrustRegionStrategy
	radius   float64
	decrease float64

	// Gauss-Newton step cached between rejected dogleg steps.
	gn []float64
}

// Solve minimizes the problem in place. Parameter blocks always hold the last accepted point,
// including when an error is returned.
func Solve(ctx context.Context, p *Problem, opts Options) (Summary, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("solver")
	}
	if opts.InitialTrustRegionRadius <= 0 {
		opts.InitialTrustRegionRadius = DefaultOptions().InitialTrustRegionRadius
	}
	start := clk.Now()

	rbs := p.orderedResiduals()
	reduced, eliminated := partition(p.paramOrder, rbs, opts.LinearSolver == DenseSchur)
	variable := append(append([]*parameterBlock{}, reduced...), eliminated...)

	summary := Summary{
		NumParameterBlocks:  len(p.paramOrder),
		NumResidualBlocks:   len(rbs),
		NumEliminatedBlocks: len(eliminated),
	}
	finish := func(term TerminationType, msg string) {
		summary.Termination = term
		summary.Message = msg
		summary.WallTime = clk.Since(start)
	}

	lins := make([]linearization, len(rbs))
	trial := make([]linearization, len(rbs))
	cost, err := evaluateAll(ctx, rbs, opts.NumThreads, false, len(variable) > 0, true, lins)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			finish(Canceled, ctxErr.Error())
			return summary, ctxErr
		}
		finish(Failure, err.Error())
		return summary, err
	}
	summary.InitialCost = cost
	summary.FinalCost = cost
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		finish(Failure, "initial cost is not finite")
		return summary, nil
	}
	if len(variable) == 0 || len(rbs) == 0 {
		finish(Convergence, "no variable parameter blocks")
		return summary, nil
	}

	tr := &trustRegion{strategy: opts.TrustRegion, radius: opts.InitialTrustRegionRadius, decrease: 2}
	ne := assemble(reduced, eliminated, rbs, lins)
	g := ne.gradient()

	for {
		if err := ctx.Err(); err != nil {
			finish(Canceled, err.Error())
			return summary, err
		}
		if floats.Norm(g, math.Inf(1)) <= opts.GradientTolerance {
			finish(Convergence, "gradient tolerance reached")
			return summary, nil
		}
		if summary.Iterations >= opts.MaxIterations {
			finish(NoConvergence, "maximum number of iterations reached")
			return summary, nil
		}
		if opts.MaxSolverTime > 0 && clk.Since(start) >= opts.MaxSolverTime {
			finish(NoConvergence, "maximum solver time reached")
			return summary, nil
		}
		summary.Iterations++

		step, err := tr.step(ne, g)
		if err != nil {
			summary.UnsuccessfulSteps++
			tr.reject()
			if tr.radius < minTrustRegionRadius {
				finish(Failure, err.Error())
				return summary, nil
			}
			continue
		}

		stepNorm := floats.Norm(step, 2)
		xNorm := 0.
		for _, pb := range variable {
			for _, v := range pb.values {
				xNorm += v * v
			}
		}
		xNorm = math.Sqrt(xNorm)
		if stepNorm <= opts.ParameterTolerance*(xNorm+opts.ParameterTolerance) {
			finish(Convergence, "parameter tolerance reached")
			return summary, nil
		}

		applyStep(ne, step)
		newCost, err := evaluateAll(ctx, rbs, opts.NumThreads, true, false, true, trial)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				finish(Canceled, ctxErr.Error())
				return summary, ctxErr
			}
			finish(Failure, err.Error())
			return summary, err
		}

		modelDecrease := -(floats.Dot(g, step) + 0.5*ne.quadForm(step))
		actualDecrease := cost - newCost
		rho := 0.
		if modelDecrease > 0 {
			rho = actualDecrease / modelDecrease
		}
		valid := !math.IsNaN(newCost) && !math.IsInf(newCost, 0)

		logger.CDebugw(ctx, "trust region iteration",
			"iteration", summary.Iterations,
			"cost", cost,
			"candidate_cost", newCost,
			"step_norm", stepNorm,
			"radius", tr.radius,
			"rho", rho,
		)

		if !valid || rho < minRelativeDecrease {
			summary.UnsuccessfulSteps++
			tr.reject()
			if tr.radius < minTrustRegionRadius {
				finish(Convergence, "trust region radius below minimum")
				return summary, nil
			}
			continue
		}

		for _, pb := range variable {
			copy(pb.values, pb.scratch)
		}
		summary.SuccessfulSteps++
		tr.accept(rho, stepNorm)
		prevCost := cost
		cost = newCost
		summary.FinalCost = cost
		if math.Abs(prevCost-newCost) <= opts.FunctionTolerance*prevCost {
			finish(Convergence, "function tolerance reached")
			return summary, nil
		}

		if _, err := evaluateAll(ctx, rbs, opts.NumThreads, false, true, true, lins); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				finish(Canceled, ctxErr.Error())
				return summary, ctxErr
			}
			finish(Failure, err.Error())
			return summary, err
		}
		ne = assemble(reduced, eliminated, rbs, lins)
		g = ne.gradient()
	}
}

func applyStep(ne *normalEquations, step []float64) {
	for _, pb := range ne.reduced {
		pb.manifold.Plus(pb.values, step[pb.offset:pb.offset+pb.tangentSize()], pb.scratch)
	}
	for l, pb := range ne.eliminated {
		off := ne.nr + pointSize*l
		pb.manifold.Plus(pb.values, step[off:off+pointSize], pb.scratch)
	}
}

func (tr *trustRegion) step(ne *normalEquations, g []float64) ([]float64, error) {
	if tr.strategy == LevenbergMarquardt {
		return ne.solve(1 / tr.radius)
	}
	if tr.gn == nil {
		mu := gaussNewtonMu
		var err error
		for i := 0; i < maxRegularization; i++ {
			tr.gn, err = ne.solve(mu)
			if err == nil {
				break
			}
			mu *= 100
		}
		if err != nil {
			return nil, errors.Wrap(err, "computing Gauss-Newton step")
		}
	}
	return dogleg(tr.gn, g, ne.quadForm(g), tr.radius), nil
}

// dogleg returns the step inside the radius along the path from the Cauchy point to the
// Gauss-Newton point. gHg is gᵀ·JᵀJ·g.
func dogleg(gn, g []float64, gHg, radius float64) []float64 {
	gnNorm := floats.Norm(gn, 2)
	if gnNorm <= radius {
		return append([]float64{}, gn...)
	}
	gNorm := floats.Norm(g, 2)
	out := make([]float64, len(g))
	if gHg <= 0 {
		for i := range g {
			out[i] = -radius / gNorm * g[i]
		}
		return out
	}
	alpha := gNorm * gNorm / gHg
	if alpha*gNorm >= radius {
		for i := range g {
			out[i] = -radius / gNorm * g[i]
		}
		return out
	}
	sd := make([]float64, len(g))
	diff := make([]float64, len(g))
	for i := range g {
		sd[i] = -alpha * g[i]
		diff[i] = gn[i] - sd[i]
	}
	// |sd + beta*diff| = radius
	a := floats.Dot(diff, diff)
	b := 2 * floats.Dot(sd, diff)
	c := floats.Dot(sd, sd) - radius*radius
	beta := (-b + math.Sqrt(math.Max(b*b-4*a*c, 0))) / (2 * a)
	for i := range g {
		out[i] = sd[i] + beta*diff[i]
	}
	return out
}

func (tr *trustRegion) accept(rho, stepNorm float64) {
	tr.gn = nil
	switch tr.strategy {
	case LevenbergMarquardt:
		tr.radius = tr.radius / math.Max(1./3., 1-math.Pow(2*rho-1, 3))
		tr.decrease = 2
	default:
		if rho > 0.75 {
			tr.radius = math.Max(tr.radius, 3*stepNorm)
		} else if rho < 0.25 {
			tr.radius /= 4
		}
	}
	tr.radius = math.Min(tr.radius, maxTrustRegionRadius)
}

func (tr *trustRegion) reject() {
	switch tr.strategy {
	case LevenbergMarquardt:
		tr.radius /= tr.decrease
		tr.decrease *= 2
	default:
		tr.radius /= 4
	}
}
