package factor

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// Reprojection block order.
const (
	ReprojectionPose = iota
	ReprojectionExtrinsics
	ReprojectionPosition
	ReprojectionIntrinsics
	ReprojectionDistortion
)

// Reprojection is the error between an observed keypoint and the projection of a world point
// through a keyframe pose T_ws and camera extrinsics T_sc, scaled by the keypoint uncertainty.
// Blocks: pose(7), extrinsics(7), position(3), intrinsics, and distortion when the camera has
// distortion parameters.
type Reprojection struct {
	camera      *camera.Model
	observation r2.Point
	invSigma    float64
	sizes       []int
}

// NewReprojection builds the factor for one observation.
func NewReprojection(cam *camera.Model, observation r2.Point, sigma float64) *Reprojection {
	sizes := []int{spatialmath.PoseBufferSize, spatialmath.PoseBufferSize, 3, len(cam.IntrinsicsBuffer())}
	if n := len(cam.DistortionBuffer()); n > 0 {
		sizes = append(sizes, n)
	}
	return &Reprojection{camera: cam, observation: observation, invSigma: 1 / sigma, sizes: sizes}
}

// NumResiduals returns 2.
func (f *Reprojection) NumResiduals() int { return 2 }

// ParameterBlockSizes returns the block sizes.
func (f *Reprojection) ParameterBlockSizes() []int { return f.sizes }

func (f *Reprojection) distortion(params [][]float64) []float64 {
	if len(params) > ReprojectionDistortion {
		return params[ReprojectionDistortion]
	}
	return nil
}

func (f *Reprojection) pointInSensor(params [][]float64) (spatialmath.Pose, r3.Vector) {
	tws := spatialmath.FromBuffer(params[ReprojectionPose])
	pw := r3.Vector{X: params[ReprojectionPosition][0], Y: params[ReprojectionPosition][1], Z: params[ReprojectionPosition][2]}
	return tws, spatialmath.PoseInverse(tws).TransformPoint(pw)
}

// Evaluate computes (π(T_cs·T_sw·P) - z)/σ.
func (f *Reprojection) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkBlocks(params, f.sizes); err != nil {
		return err
	}
	tsc := spatialmath.FromBuffer(params[ReprojectionExtrinsics])
	_, ps := f.pointInSensor(params)
	pc := spatialmath.PoseInverse(tsc).TransformPoint(ps)
	px, _, _ := f.camera.ProjectWithParams(pc, params[ReprojectionIntrinsics], f.distortion(params))
	residuals[0] = (px.X - f.observation.X) * f.invSigma
	residuals[1] = (px.Y - f.observation.Y) * f.invSigma
	return nil
}

// TangentJacobian supplies analytic Jacobians for the pose and position blocks.
func (f *Reprojection) TangentJacobian(params [][]float64, block int, jac []float64) bool {
	if block != ReprojectionPose && block != ReprojectionPosition {
		return false
	}
	tsc := spatialmath.FromBuffer(params[ReprojectionExtrinsics])
	tws, ps := f.pointInSensor(params)
	pc := spatialmath.PoseInverse(tsc).TransformPoint(ps)
	_, jpx, _ := f.camera.ProjectWithParams(pc, params[ReprojectionIntrinsics], f.distortion(params))

	jPixel := mat.NewDense(2, 3, jpx[:])
	jPixel.Scale(f.invSigma, jPixel)
	var jSensor mat.Dense
	jSensor.Mul(jPixel, spatialmath.RotationMatrix(quat.Conj(tsc.Rotation)))

	rwsT := spatialmath.RotationMatrix(quat.Conj(tws.Rotation))
	out := mat.NewDense(2, len(jac)/2, jac)
	switch block {
	case ReprojectionPose:
		var dRot, dTrans mat.Dense
		dRot.Mul(&jSensor, spatialmath.Skew(ps))
		dTrans.Mul(&jSensor, rwsT)
		dTrans.Scale(-1, &dTrans)
		out.Slice(0, 2, 0, 3).(*mat.Dense).Copy(&dRot)
		out.Slice(0, 2, 3, 6).(*mat.Dense).Copy(&dTrans)
	default:
		out.Mul(&jSensor, rwsT)
	}
	return true
}
