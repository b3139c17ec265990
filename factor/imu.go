package factor

import (
	"sync"

	"github.com/golang/geo/r3"

	"github.com/EmmanuelMess/covins/imu"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// Bias drift past which the first-order correction is replaced by a full repropagation.
const (
	AccBiasRepropagationThreshold  = 0.1
	GyroBiasRepropagationThreshold = 0.01
)

// IMU ties two consecutive keyframes through their preintegrated inertial measurements.
// Blocks: pose_i(7), speed-bias_i(9), pose_j(7), speed-bias_j(9).
type IMU struct {
	mu  sync.Mutex
	pre *imu.Preintegration
}

// NewIMU wraps a preintegration linearized around a bias close to keyframe i's estimate.
func NewIMU(pre *imu.Preintegration) *IMU {
	return &IMU{pre: pre}
}

// NumResiduals returns 15.
func (f *IMU) NumResiduals() int { return imu.ResidualSize }

// ParameterBlockSizes returns the block sizes.
func (f *IMU) ParameterBlockSizes() []int {
	return []int{spatialmath.PoseBufferSize, imu.SpeedBiasSize, spatialmath.PoseBufferSize, imu.SpeedBiasSize}
}

// Evaluate computes the whitened preintegration residual. When the biases of keyframe i have
// drifted from the linearization point by more than the thresholds, the measurements are first
// re-integrated around them.
func (f *IMU) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkBlocks(params, f.ParameterBlockSizes()); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := params[1]
	ba := r3.Vector{X: sb[3], Y: sb[4], Z: sb[5]}
	bg := r3.Vector{X: sb[6], Y: sb[7], Z: sb[8]}
	linBa, linBg := f.pre.LinearizationBias()
	if ba.Sub(linBa).Norm() > AccBiasRepropagationThreshold || bg.Sub(linBg).Norm() > GyroBiasRepropagationThreshold {
		f.pre.Repropagate(ba, bg)
	}
	return f.pre.Evaluate(params[0], params[1], params[2], params[3], residuals)
}
