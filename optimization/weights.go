package optimization

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/config"
	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
)

// bucketWeight picks the loop weight band from the translational covariance trace. A loop
// without covariance falls in the loose band.
func (o *Optimizer) bucketWeight(lc slam.LoopConstraint) float64 {
	trace := lc.TranslationCovarianceTrace()
	switch {
	case trace < o.cfg.CovSwitch:
		return o.cfg.WtLpR1
	case trace < o.cfg.CovSwitch2:
		return o.cfg.WtLpR2
	default:
		return o.cfg.WtLpR3
	}
}

// sequentialSqrtInformation weights sequential and window edges.
func (o *Optimizer) sequentialSqrtInformation() *mat.Dense {
	return factor.SqrtInformation(o.cfg.WtKFR, o.cfg.WtKFT)
}

// loopSqrtInformation returns the whitening of a 6-DoF loop edge.
func (o *Optimizer) loopSqrtInformation(logger logging.Logger, lc slam.LoopConstraint) *mat.Dense {
	switch o.cfg.LoopWeighting6DoF {
	case config.LoopWeightingBucket:
		w := o.bucketWeight(lc)
		return factor.SqrtInformation(w, w)
	case config.LoopWeightingCovariance:
		if lc.Covariance != nil {
			sqrtInfo, err := factor.SqrtInformationFromCovariance(lc.Covariance)
			if err == nil {
				return sqrtInfo
			}
			logger.Warnw("loop covariance unusable, using fixed weights", "kf1", lc.KF1, "kf2", lc.KF2, "error", err)
		}
	case config.LoopWeightingFixed:
	}
	return factor.SqrtInformation(o.cfg.WtLpR, o.cfg.WtLpT)
}

// loopWeight4DoF returns the scalar weight of a 4-DoF loop edge.
func (o *Optimizer) loopWeight4DoF(lc slam.LoopConstraint) float64 {
	switch o.cfg.LoopWeighting4DoF {
	case config.LoopWeightingFixed:
		return o.cfg.WtLpR
	case config.LoopWeightingCovariance:
		trace := lc.TranslationCovarianceTrace()
		if trace > 0 && !math.IsInf(trace, 1) {
			// inverse of the RMS translational standard deviation
			return 1 / math.Sqrt(trace/3)
		}
	case config.LoopWeightingBucket:
	}
	return o.bucketWeight(lc)
}

// pairKey orders a keyframe pair so that (a, b) and (b, a) collide.
type pairKey struct {
	first, second slam.KeyframeID
}

func newPairKey(a, b slam.KeyframeID) pairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return pairKey{first: a, second: b}
}
