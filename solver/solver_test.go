package solver

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/manifold"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// lineResidual is a·x + b - y over the block [a b].
type lineResidual struct {
	x, y float64
}

func (r lineResidual) NumResiduals() int          { return 1 }
func (r lineResidual) ParameterBlockSizes() []int { return []int{2} }
func (r lineResidual) Evaluate(params [][]float64, res []float64) error {
	res[0] = params[0][0]*r.x + params[0][1] - r.y
	return nil
}

func (r lineResidual) TangentJacobian(_ [][]float64, _ int, jac []float64) bool {
	jac[0], jac[1] = r.x, 1
	return true
}

// scaledPoint is s·p - c - z over the blocks camera [cx cy cz s] and point p.
type scaledPoint struct {
	z r3.Vector
}

func (r scaledPoint) NumResiduals() int          { return 3 }
func (r scaledPoint) ParameterBlockSizes() []int { return []int{4, 3} }
func (r scaledPoint) Evaluate(params [][]float64, res []float64) error {
	c, p := params[0], params[1]
	res[0] = c[3]*p[0] - c[0] - r.z.X
	res[1] = c[3]*p[1] - c[1] - r.z.Y
	res[2] = c[3]*p[2] - c[2] - r.z.Z
	return nil
}

// clockedResidual advances a mock clock whenever it is evaluated.
type clockedResidual struct {
	mock *clock.Mock
}

func (r clockedResidual) NumResiduals() int          { return 1 }
func (r clockedResidual) ParameterBlockSizes() []int { return []int{1} }
func (r clockedResidual) Evaluate(params [][]float64, res []float64) error {
	r.mock.Add(time.Second)
	res[0] = math.Exp(params[0][0]) - 1
	return nil
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Logger = logging.NewTestLogger(t)
	return opts
}

func TestLinearLeastSquares(t *testing.T) {
	for _, strategy := range []TrustRegionStrategy{Dogleg, LevenbergMarquardt} {
		t.Run(strategy.String(), func(t *testing.T) {
			p := NewProblem()
			line := []float64{0, 0}
			xs := []float64{0, 1, 2, 3, 4}
			ys := []float64{1.1, 2.9, 5.2, 7.1, 8.8}
			for i := range xs {
				_, err := p.AddResidualBlock(lineResidual{xs[i], ys[i]}, nil, line)
				test.That(t, err, test.ShouldBeNil)
			}
			opts := testOptions(t)
			opts.TrustRegion = strategy
			summary, err := Solve(context.Background(), p, opts)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, summary.Termination, test.ShouldEqual, Convergence)
			test.That(t, summary.FinalCost, test.ShouldBeLessThan, summary.InitialCost)

			// closed form
			n := float64(len(xs))
			var sx, sy, sxx, sxy float64
			for i := range xs {
				sx += xs[i]
				sy += ys[i]
				sxx += xs[i] * xs[i]
				sxy += xs[i] * ys[i]
			}
			a := (n*sxy - sx*sy) / (n*sxx - sx*sx)
			b := (sy - a*sx) / n
			test.That(t, line[0], test.ShouldAlmostEqual, a, 1e-6)
			test.That(t, line[1], test.ShouldAlmostEqual, b, 1e-6)
		})
	}
}

func buildScaledProblem(t *testing.T, seed int64) (*Problem, [][]float64, [][]float64, [][]float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	const numCams, numPoints = 3, 8
	truthCams := make([][]float64, numCams)
	cams := make([][]float64, numCams)
	for j := range truthCams {
		truthCams[j] = []float64{rng.Float64(), rng.Float64(), rng.Float64(), 1 + 0.2*rng.Float64()}
		cams[j] = append([]float64{}, truthCams[j]...)
		if j > 0 {
			for k := range cams[j] {
				cams[j][k] += 0.05 * rng.NormFloat64()
			}
		}
	}
	truthPoints := make([][]float64, numPoints)
	points := make([][]float64, numPoints)
	for i := range truthPoints {
		truthPoints[i] = []float64{5 * rng.Float64(), 5 * rng.Float64(), 5 * rng.Float64()}
		points[i] = append([]float64{}, truthPoints[i]...)
		for k := range points[i] {
			points[i][k] += 0.1 * rng.NormFloat64()
		}
	}

	p := NewProblem()
	for j := range cams {
		test.That(t, p.AddParameterBlock(cams[j], nil), test.ShouldBeNil)
	}
	test.That(t, p.SetParameterBlockConstant(cams[0]), test.ShouldBeNil)
	for i := range points {
		for j := range cams {
			c, pt := truthCams[j], truthPoints[i]
			z := r3.Vector{X: c[3]*pt[0] - c[0], Y: c[3]*pt[1] - c[1], Z: c[3]*pt[2] - c[2]}
			_, err := p.AddResidualBlock(scaledPoint{z}, nil, cams[j], points[i])
			test.That(t, err, test.ShouldBeNil)
		}
	}
	return p, cams, points, append(truthCams, truthPoints...)
}

func TestSchurMatchesNormalCholesky(t *testing.T) {
	results := map[LinearSolverType][]float64{}
	for _, linear := range []LinearSolverType{DenseSchur, DenseNormalCholesky} {
		p, cams, points, truth := buildScaledProblem(t, 7)
		opts := testOptions(t)
		opts.LinearSolver = linear
		opts.NumThreads = 3
		opts.FunctionTolerance = 1e-12
		summary, err := Solve(context.Background(), p, opts)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.IsSolutionUsable(), test.ShouldBeTrue)
		test.That(t, summary.FinalCost, test.ShouldBeLessThan, 1e-10)
		if linear == DenseSchur {
			test.That(t, summary.NumEliminatedBlocks, test.ShouldEqual, len(points))
		} else {
			test.That(t, summary.NumEliminatedBlocks, test.ShouldEqual, 0)
		}

		var flat []float64
		for i, block := range append(cams, points...) {
			for k, v := range block {
				test.That(t, v, test.ShouldAlmostEqual, truth[i][k], 1e-5)
			}
			flat = append(flat, block...)
		}
		results[linear] = flat
	}
	for i := range results[DenseSchur] {
		test.That(t, results[DenseSchur][i], test.ShouldAlmostEqual, results[DenseNormalCholesky][i], 1e-6)
	}
}

func TestConstantBlocksUntouched(t *testing.T) {
	p, cams, _, _ := buildScaledProblem(t, 3)
	fixed := append([]float64{}, cams[1]...)
	test.That(t, p.SetParameterBlockConstant(cams[1]), test.ShouldBeNil)
	test.That(t, p.IsParameterBlockConstant(cams[1]), test.ShouldBeTrue)
	_, err := Solve(context.Background(), p, testOptions(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cams[1], test.ShouldResemble, fixed)

	test.That(t, p.SetParameterBlockVariable(cams[1]), test.ShouldBeNil)
	test.That(t, p.IsParameterBlockConstant(cams[1]), test.ShouldBeFalse)
}

func TestPoseManifold(t *testing.T) {
	anchor := spatialmath.NewPoseBuffer(spatialmath.NewZeroPose())
	ext := spatialmath.NewPoseBuffer(spatialmath.NewZeroPose())
	pose := spatialmath.NewPoseBuffer(spatialmath.NewPose(r3.Vector{X: 0.5}, quat.Number{Real: 1}))
	measured := spatialmath.NewPose(r3.Vector{X: 1, Y: -2, Z: 0.3}, spatialmath.QuatExp(r3.Vector{X: 0.1, Y: 0.4, Z: -0.2}))

	p := NewProblem()
	test.That(t, p.AddParameterBlock(anchor, manifold.PoseQuaternion{}), test.ShouldBeNil)
	test.That(t, p.AddParameterBlock(pose, manifold.PoseQuaternion{}), test.ShouldBeNil)
	test.That(t, p.AddParameterBlock(ext, manifold.PoseQuaternion{}), test.ShouldBeNil)
	test.That(t, p.SetParameterBlockConstant(anchor), test.ShouldBeNil)
	test.That(t, p.SetParameterBlockConstant(ext), test.ShouldBeNil)
	between := factor.NewSixDofBetween(measured, factor.SqrtInformation(10, 10), factor.SensorFrame)
	_, err := p.AddResidualBlock(between, nil, anchor, pose, ext, ext)
	test.That(t, err, test.ShouldNotBeNil)

	ext2 := spatialmath.NewPoseBuffer(spatialmath.NewZeroPose())
	test.That(t, p.AddParameterBlock(ext2, manifold.PoseQuaternion{}), test.ShouldBeNil)
	test.That(t, p.SetParameterBlockConstant(ext2), test.ShouldBeNil)
	_, err = p.AddResidualBlock(between, nil, anchor, pose, ext, ext2)
	test.That(t, err, test.ShouldBeNil)

	summary, err := Solve(context.Background(), p, testOptions(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Termination, test.ShouldEqual, Convergence)
	test.That(t, spatialmath.PoseAlmostEqual(spatialmath.FromBuffer(pose), measured, 1e-6), test.ShouldBeTrue)
	q := spatialmath.FromBuffer(pose).Rotation
	test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestRemoveResidualBlock(t *testing.T) {
	p := NewProblem()
	line := []float64{0, 0}
	var ids []ResidualBlockID
	for i := 0; i < 3; i++ {
		id, err := p.AddResidualBlock(lineResidual{float64(i), 1}, factor.NewHuberLoss(0.1), line)
		test.That(t, err, test.ShouldBeNil)
		ids = append(ids, id)
	}
	test.That(t, p.RemoveResidualBlock(ids[1]), test.ShouldBeNil)
	test.That(t, p.NumResidualBlocks(), test.ShouldEqual, 2)
	test.That(t, p.ResidualBlocks(), test.ShouldResemble, []ResidualBlockID{ids[0], ids[2]})

	err := p.RemoveResidualBlock(ids[1])
	test.That(t, errors.Is(err, ErrUnknownResidualBlock), test.ShouldBeTrue)
	_, _, err = p.EvaluateResidualBlock(ids[1], false)
	test.That(t, errors.Is(err, ErrUnknownResidualBlock), test.ShouldBeTrue)

	res, cost, err := p.EvaluateResidualBlock(ids[2], false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldResemble, []float64{-1})
	test.That(t, cost, test.ShouldAlmostEqual, 0.5)

	// Huber: ρ(1) = 2·0.1·1 - 0.01
	_, cost, err = p.EvaluateResidualBlock(ids[2], true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cost, test.ShouldAlmostEqual, 0.5*0.19)
}

func TestUnknownParameterBlock(t *testing.T) {
	p := NewProblem()
	err := p.SetParameterBlockConstant([]float64{1, 2})
	test.That(t, errors.Is(err, ErrUnknownParameterBlock), test.ShouldBeTrue)
	test.That(t, p.HasParameterBlock([]float64{1}), test.ShouldBeFalse)

	_, err = p.AddResidualBlock(lineResidual{}, nil, []float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = p.AddResidualBlock(lineResidual{}, nil)
	test.That(t, errors.Is(err, factor.ErrParameterCount), test.ShouldBeTrue)

	test.That(t, p.AddParameterBlock([]float64{1, 2}, manifold.PoseQuaternion{}), test.ShouldNotBeNil)
}

func TestSubBlocksOfOneBuffer(t *testing.T) {
	buf := []float64{10, 0, 0, 0}
	p := NewProblem()
	test.That(t, p.AddParameterBlock(buf[0:1], manifold.YawAngle{}), test.ShouldBeNil)
	test.That(t, p.AddParameterBlock(buf[1:4], nil), test.ShouldBeNil)
	test.That(t, p.NumParameterBlocks(), test.ShouldEqual, 2)
	test.That(t, p.HasParameterBlock(buf[0:1]), test.ShouldBeTrue)
	test.That(t, p.HasParameterBlock(buf[1:4]), test.ShouldBeTrue)
	test.That(t, p.HasParameterBlock(buf[0:4]), test.ShouldBeFalse)
}

func TestEvaluateJacobian(t *testing.T) {
	p := NewProblem()
	line := []float64{2, 1}
	other := []float64{0, 0}
	_, err := p.AddResidualBlock(lineResidual{3, 1}, nil, line)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.AddResidualBlock(lineResidual{-1, 0}, nil, other)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.SetParameterBlockConstant(other), test.ShouldBeNil)

	eval, err := p.Evaluate(context.Background(), EvaluateOptions{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eval.Residuals, test.ShouldResemble, []float64{6, 0})
	test.That(t, eval.Cost, test.ShouldAlmostEqual, 18)
	r, c := eval.Jacobian.Dims()
	test.That(t, r, test.ShouldEqual, 2)
	test.That(t, c, test.ShouldEqual, 2)
	test.That(t, mat.Equal(eval.Jacobian, mat.NewDense(2, 2, []float64{3, 1, 0, 0})), test.ShouldBeTrue)

	eval, err = p.Evaluate(context.Background(), EvaluateOptions{ParameterBlocks: [][]float64{other, line}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Equal(eval.Jacobian, mat.NewDense(2, 4, []float64{0, 0, 3, 1, 0, 0, 0, 0})), test.ShouldBeTrue)

	_, err = p.Evaluate(context.Background(), EvaluateOptions{ResidualBlocks: []ResidualBlockID{42}})
	test.That(t, errors.Is(err, ErrUnknownResidualBlock), test.ShouldBeTrue)
}

func TestEvaluateRejectsNonFinite(t *testing.T) {
	p := NewProblem()
	line := []float64{math.Inf(1), 0}
	_, err := p.AddResidualBlock(lineResidual{1, 0}, nil, line)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.Evaluate(context.Background(), EvaluateOptions{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "residual[0] is not finite")

	_, err = p.AddResidualBlock(lineResidual{1, 0}, nil, []float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must have 2 elements but has 3")
}

func TestNumericJacobianThroughManifold(t *testing.T) {
	// scaledPoint has no analytic Jacobian: d(s·p - c)/dp = s·I
	p := NewProblem()
	cam := []float64{0, 0, 0, 2}
	pt := []float64{1, 1, 1}
	_, err := p.AddResidualBlock(scaledPoint{}, nil, cam, pt)
	test.That(t, err, test.ShouldBeNil)
	eval, err := p.Evaluate(context.Background(), EvaluateOptions{ParameterBlocks: [][]float64{pt}})
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.
			if i == j {
				want = 2
			}
			test.That(t, eval.Jacobian.At(i, j), test.ShouldAlmostEqual, want, 1e-8)
		}
	}
}

func TestMaxSolverTime(t *testing.T) {
	mock := clock.NewMock()
	p := NewProblem()
	x := []float64{3}
	_, err := p.AddResidualBlock(clockedResidual{mock}, nil, x)
	test.That(t, err, test.ShouldBeNil)

	opts := testOptions(t)
	opts.Clock = mock
	opts.MaxSolverTime = 2 * time.Second
	opts.MaxIterations = 100
	summary, err := Solve(context.Background(), p, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Termination, test.ShouldEqual, NoConvergence)
	test.That(t, summary.Iterations, test.ShouldEqual, 0)
	test.That(t, summary.WallTime, test.ShouldBeGreaterThanOrEqualTo, 2*time.Second)
	test.That(t, x[0], test.ShouldEqual, 3.)
}

func TestCanceledContext(t *testing.T) {
	p, cams, _, _ := buildScaledProblem(t, 11)
	before := append([]float64{}, cams[2]...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := Solve(ctx, p, testOptions(t))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, summary.Termination, test.ShouldEqual, Canceled)
	test.That(t, cams[2], test.ShouldResemble, before)
}

func TestMaxIterationsZero(t *testing.T) {
	p, _, _, _ := buildScaledProblem(t, 5)
	opts := testOptions(t)
	opts.MaxIterations = 0
	summary, err := Solve(context.Background(), p, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Termination, test.ShouldEqual, NoConvergence)
	test.That(t, summary.FinalCost, test.ShouldEqual, summary.InitialCost)
}

func TestDoglegStaysInRadius(t *testing.T) {
	gn := []float64{3, 4}
	g := []float64{-1, 0}
	step := dogleg(gn, g, 1, 10)
	test.That(t, step, test.ShouldResemble, gn)

	step = dogleg(gn, g, 1, 0.5)
	test.That(t, step[0], test.ShouldAlmostEqual, 0.5)
	test.That(t, step[1], test.ShouldAlmostEqual, 0)

	step = dogleg(gn, g, 1, 2)
	test.That(t, math.Hypot(step[0], step[1]), test.ShouldAlmostEqual, 2)
}
