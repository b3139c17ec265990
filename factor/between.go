package factor

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/spatialmath"
)

// PoseErrorType selects the frames a between measurement relates.
type PoseErrorType int

const (
	// SensorFrame measurements relate the body (sensor) frames of the two keyframes.
	SensorFrame PoseErrorType = iota
	// CameraFrame measurements relate the camera frames, so extrinsics enter the error.
	CameraFrame
)

// SixDofBetween penalizes the deviation of the relative pose of two keyframes from a measured
// relative pose. The error is [2·vec(q_m⁻¹·q_est); t_est - t_m] whitened by a 6x6 square root
// information matrix. Blocks: pose1(7), pose2(7), extrinsics1(7), extrinsics2(7).
type SixDofBetween struct {
	measured  spatialmath.Pose
	sqrtInfo  *mat.Dense
	errorType PoseErrorType
}

// NewSixDofBetween builds the factor. sqrtInfo must be 6x6.
func NewSixDofBetween(measured spatialmath.Pose, sqrtInfo mat.Matrix, errorType PoseErrorType) *SixDofBetween {
	return &SixDofBetween{measured: measured, sqrtInfo: mat.DenseCopyOf(sqrtInfo), errorType: errorType}
}

// NumResiduals returns 6.
func (f *SixDofBetween) NumResiduals() int { return 6 }

// ParameterBlockSizes returns the block sizes.
func (f *SixDofBetween) ParameterBlockSizes() []int {
	return []int{spatialmath.PoseBufferSize, spatialmath.PoseBufferSize, spatialmath.PoseBufferSize, spatialmath.PoseBufferSize}
}

// Evaluate computes the whitened error.
func (f *SixDofBetween) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkBlocks(params, f.ParameterBlockSizes()); err != nil {
		return err
	}
	t1 := spatialmath.FromBuffer(params[0])
	t2 := spatialmath.FromBuffer(params[1])
	if f.errorType == CameraFrame {
		t1 = spatialmath.Compose(t1, spatialmath.FromBuffer(params[2]))
		t2 = spatialmath.Compose(t2, spatialmath.FromBuffer(params[3]))
	}
	est := spatialmath.PoseBetween(t1, t2)
	dq := quat.Mul(quat.Conj(f.measured.Rotation), est.Rotation)
	if dq.Real < 0 {
		dq = quat.Scale(-1, dq)
	}
	dt := est.Translation.Sub(f.measured.Translation)
	raw := mat.NewVecDense(6, []float64{2 * dq.Imag, 2 * dq.Jmag, 2 * dq.Kmag, dt.X, dt.Y, dt.Z})
	out := mat.NewVecDense(6, residuals)
	out.MulVec(f.sqrtInfo, raw)
	return nil
}
