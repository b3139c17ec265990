package optimization

import (
	"bytes"
	"encoding/csv"
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/config"
	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
)

// offset is x - target over a single scalar block.
type offset struct {
	target float64
}

func (r offset) NumResiduals() int          { return 1 }
func (r offset) ParameterBlockSizes() []int { return []int{1} }
func (r offset) Evaluate(params [][]float64, res []float64) error {
	res[0] = params[0][0] - r.target
	return nil
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)

	o, err := New(config.Default(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, o.Config(), test.ShouldResemble, config.Default())

	_, err = New(config.Default(), nil)
	test.That(t, err, test.ShouldNotBeNil)

	bad := config.Default()
	bad.RelPoseMinInliers = -1
	_, err = New(bad, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "relpose_min_inliers")

	// the level override applies to the optimizer only
	observed, logs := logging.NewObservedTestLogger(t)
	quiet := config.Default()
	quiet.LogLevel = "error"
	o, err = New(quiet, observed)
	test.That(t, err, test.ShouldBeNil)
	o.logger.Warn("hidden")
	observed.Warn("shown")
	test.That(t, logs.Len(), test.ShouldEqual, 1)
	test.That(t, observed.GetLevel(), test.ShouldEqual, logging.DEBUG)
}

func TestRemoveOutliers(t *testing.T) {
	p := solver.NewProblem()
	x := []float64{0}
	test.That(t, p.AddParameterBlock(x, nil), test.ShouldBeNil)
	var ids []solver.ResidualBlockID
	for _, target := range []float64{0.1, -0.5, 3, 0.9, -7} {
		id, err := p.AddResidualBlock(offset{target: target}, nil, x)
		test.That(t, err, test.ShouldBeNil)
		ids = append(ids, id)
	}

	removed, rs, err := removeOutliers(p, ids, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldResemble, []int{2, 4})
	test.That(t, p.NumResidualBlocks(), test.ShouldEqual, 3)
	test.That(t, rs.Count, test.ShouldEqual, 5)
	test.That(t, rs.Median, test.ShouldAlmostEqual, 0.9)
	test.That(t, rs.Max, test.ShouldAlmostEqual, 7)

	// a second pass at the same point has nothing left to remove
	removed, _, err = removeOutliers(p, []solver.ResidualBlockID{ids[0], ids[1], ids[3]}, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldBeEmpty)
}

func TestSummarizeNormsEmpty(t *testing.T) {
	test.That(t, summarizeNorms(nil), test.ShouldResemble, ResidualStats{})
}

func TestTopLeftCovariance(t *testing.T) {
	t.Run("full rank", func(t *testing.T) {
		// J = 2·I so (JᵀJ)⁻¹ = I/4
		jac := mat.NewDense(9, 9, nil)
		for i := 0; i < 9; i++ {
			jac.Set(i, i, 2)
		}
		cov, err := topLeftCovariance(jac)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cov.SymmetricDim(), test.ShouldEqual, 6)
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				want := 0.
				if i == j {
					want = 0.25
				}
				test.That(t, cov.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
			}
		}
	})

	t.Run("rank deficient", func(t *testing.T) {
		// the last column is unobserved, the pseudo-inverse leaves it at zero
		jac := mat.NewDense(6, 7, nil)
		for i := 0; i < 6; i++ {
			jac.Set(i, i, 1)
		}
		cov, err := topLeftCovariance(jac)
		test.That(t, err, test.ShouldBeNil)
		for i := 0; i < 6; i++ {
			test.That(t, cov.At(i, i), test.ShouldAlmostEqual, 1, 1e-12)
		}

		pinv, err := pseudoInverse(mat.NewSymDense(2, []float64{1, 1, 1, 1}))
		test.That(t, err, test.ShouldBeNil)
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				test.That(t, pinv.At(i, j), test.ShouldAlmostEqual, 0.25, 1e-12)
			}
		}
	})

	t.Run("too few columns", func(t *testing.T) {
		_, err := topLeftCovariance(mat.NewDense(3, 3, nil))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestCSVResultSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewCSVResultSink(&buf)

	jac := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6.5})
	test.That(t, sink.ReportJacobian("run-1", jac), test.ShouldBeNil)
	cov := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		cov.SetSym(i, i, float64(i+1))
	}
	cov.SetSym(0, 5, 0.5)
	test.That(t, sink.ReportCovariance("run-1", cov), test.ShouldBeNil)

	// jacobian and covariance rows differ in width
	reader := csv.NewReader(&buf)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 3)
	test.That(t, records[0], test.ShouldResemble, []string{"jacobian", "run-1", "0", "1", "2", "3"})
	test.That(t, records[1], test.ShouldResemble, []string{"jacobian", "run-1", "1", "4", "5", "6.5"})
	test.That(t, records[2][:2], test.ShouldResemble, []string{"covariance", "run-1"})
	test.That(t, records[2], test.ShouldHaveLength, 2+36)
	test.That(t, records[2][2+5], test.ShouldEqual, "0.5")
	test.That(t, records[2][2+30], test.ShouldEqual, "0.5")
	test.That(t, records[2][2+35], test.ShouldEqual, "6")
}

func TestLoopWeights(t *testing.T) {
	withCov := func(trace float64) slam.LoopConstraint {
		cov := mat.NewSymDense(6, nil)
		for i := 0; i < 6; i++ {
			cov.SetSym(i, i, trace/3)
		}
		return slam.LoopConstraint{Covariance: cov}
	}

	t.Run("bucket", func(t *testing.T) {
		o := newTestOptimizer(t, nil)
		cfg := o.Config()
		test.That(t, o.bucketWeight(withCov(cfg.CovSwitch/2)), test.ShouldEqual, cfg.WtLpR1)
		test.That(t, o.bucketWeight(withCov(cfg.CovSwitch*1.5)), test.ShouldEqual, cfg.WtLpR2)
		test.That(t, o.bucketWeight(withCov(cfg.CovSwitch2*2)), test.ShouldEqual, cfg.WtLpR3)
		test.That(t, o.bucketWeight(slam.LoopConstraint{}), test.ShouldEqual, cfg.WtLpR3)
		test.That(t, o.loopWeight4DoF(withCov(cfg.CovSwitch/2)), test.ShouldEqual, cfg.WtLpR1)
	})

	t.Run("fixed", func(t *testing.T) {
		o := newTestOptimizer(t, func(c *config.Optimization) { c.LoopWeighting4DoF = config.LoopWeightingFixed })
		test.That(t, o.loopWeight4DoF(withCov(1)), test.ShouldEqual, o.Config().WtLpR)
	})

	t.Run("covariance", func(t *testing.T) {
		o := newTestOptimizer(t, func(c *config.Optimization) {
			c.LoopWeighting4DoF = config.LoopWeightingCovariance
			c.LoopWeighting6DoF = config.LoopWeightingCovariance
		})
		test.That(t, o.loopWeight4DoF(withCov(0.03)), test.ShouldAlmostEqual, 10)
		// without covariance the bucket weight is used
		test.That(t, o.loopWeight4DoF(slam.LoopConstraint{}), test.ShouldEqual, o.Config().WtLpR3)

		logger := logging.NewTestLogger(t)
		sqrtInfo := o.loopSqrtInformation(logger, withCov(0.03))
		r, c := sqrtInfo.Dims()
		test.That(t, r, test.ShouldEqual, 6)
		test.That(t, c, test.ShouldEqual, 6)
		var info mat.Dense
		info.Mul(sqrtInfo.T(), sqrtInfo)
		test.That(t, info.At(0, 0), test.ShouldAlmostEqual, 100, 1e-9)

		fixed := o.loopSqrtInformation(logger, slam.LoopConstraint{})
		test.That(t, mat.Equal(fixed, factor.SqrtInformation(o.Config().WtLpR, o.Config().WtLpT)), test.ShouldBeTrue)
	})

	test.That(t, math.IsInf(slam.LoopConstraint{}.TranslationCovarianceTrace(), 1), test.ShouldBeTrue)
}
