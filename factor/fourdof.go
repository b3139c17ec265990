package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/spatialmath"
	"github.com/EmmanuelMess/covins/utils"
)

// FourDof relates two keyframes parameterized by yaw (degrees) and translation, with the
// first keyframe's pitch and roll held at fixed values. Blocks: yaw_i(1), t_i(3), yaw_j(1), t_j(3).
type FourDof struct {
	translation  r3.Vector
	relativeYaw  float64
	rotPitchRoll quat.Number
	weight       float64
	yawDivisor   float64
}

// NewFourDof builds an unweighted sequential or window edge. translation is the relative
// translation expressed in keyframe i, relativeYaw is yaw_j - yaw_i in degrees.
func NewFourDof(translation r3.Vector, relativeYaw, pitchI, rollI float64) *FourDof {
	return newFourDof(translation, relativeYaw, pitchI, rollI, 1, 1)
}

// NewFourDofWeight builds a weighted edge. The yaw residual is additionally divided by 10 so
// translation dominates the loop correction.
func NewFourDofWeight(translation r3.Vector, relativeYaw, pitchI, rollI, weight float64) *FourDof {
	return newFourDof(translation, relativeYaw, pitchI, rollI, weight, 10)
}

func newFourDof(translation r3.Vector, relativeYaw, pitchI, rollI, weight, yawDivisor float64) *FourDof {
	return &FourDof{
		translation:  translation,
		relativeYaw:  relativeYaw,
		rotPitchRoll: spatialmath.YPRToQuat(spatialmath.YPR{Pitch: pitchI, Roll: rollI}),
		weight:       weight,
		yawDivisor:   yawDivisor,
	}
}

// Weight returns the residual weight.
func (f *FourDof) Weight() float64 { return f.weight }

// NumResiduals returns 4.
func (f *FourDof) NumResiduals() int { return 4 }

// ParameterBlockSizes returns the block sizes.
func (f *FourDof) ParameterBlockSizes() []int { return []int{1, 3, 1, 3} }

// Evaluate computes [R_wiᵀ(t_j - t_i) - t; wrap(yaw_j - yaw_i - Δyaw)] scaled by the weight.
func (f *FourDof) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkBlocks(params, f.ParameterBlockSizes()); err != nil {
		return err
	}
	yawI, yawJ := params[0][0], params[2][0]
	ti := r3.Vector{X: params[1][0], Y: params[1][1], Z: params[1][2]}
	tj := r3.Vector{X: params[3][0], Y: params[3][1], Z: params[3][2]}

	// R_wi = Rz(yaw_i)·Ry(pitch_i)·Rx(roll_i)
	qYaw := spatialmath.YPRToQuat(spatialmath.YPR{Yaw: yawI})
	rwi := quat.Mul(qYaw, f.rotPitchRoll)
	tij := spatialmath.RotatePoint(quat.Conj(rwi), tj.Sub(ti))

	residuals[0] = (tij.X - f.translation.X) * f.weight
	residuals[1] = (tij.Y - f.translation.Y) * f.weight
	residuals[2] = (tij.Z - f.translation.Z) * f.weight
	residuals[3] = utils.NormalizeAngleDeg(yawJ-yawI-f.relativeYaw) * f.weight / f.yawDivisor
	return nil
}
