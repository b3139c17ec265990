package optimization

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/manifold"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// attachOptions select the blocks attachKeyframe adds and which of them are held.
type attachOptions struct {
	holdPose      bool
	withSpeedBias bool
	withCamera    bool
}

// builder assembles one problem over the buffers of a stateSet.
type builder struct {
	problem *solver.Problem
	states  *stateSet
}

func newBuilder() *builder {
	return &builder{problem: solver.NewProblem(), states: newStateSet()}
}

// attachKeyframe adds the blocks of kf initialized at pose. Extrinsics and camera parameters
// are always held constant.
func (b *builder) attachKeyframe(kf *slam.Keyframe, pose spatialmath.Pose, opts attachOptions) (*keyframeState, error) {
	if _, ok := b.states.keyframe(kf.ID); ok {
		return nil, newStructuralError(MissingKeyframe, kf.ID, "keyframe attached twice")
	}
	if opts.withCamera {
		if err := checkCameraVariant(kf.Camera); err != nil {
			return nil, errors.Wrapf(err, "keyframe %s", kf.ID)
		}
	}
	ks := b.states.loadKeyframe(kf, pose)
	ks.held = opts.holdPose
	if err := b.problem.AddParameterBlock(ks.pose, manifold.PoseQuaternion{}); err != nil {
		return nil, err
	}
	if opts.holdPose {
		if err := b.problem.SetParameterBlockConstant(ks.pose); err != nil {
			return nil, err
		}
	}
	if err := b.addConstant(ks.extrinsics, manifold.PoseQuaternion{}); err != nil {
		return nil, err
	}
	if opts.withSpeedBias {
		if err := b.problem.AddParameterBlock(ks.speedBias, nil); err != nil {
			return nil, err
		}
	}
	if opts.withCamera {
		// shared camera models share buffers, adding them again is a no-op
		if err := b.addConstant(kf.Camera.IntrinsicsBuffer(), nil); err != nil {
			return nil, err
		}
		if dist := kf.Camera.DistortionBuffer(); len(dist) > 0 {
			if err := b.addConstant(dist, nil); err != nil {
				return nil, err
			}
		}
	}
	return ks, nil
}

func (b *builder) addConstant(values []float64, m manifold.Manifold) error {
	if err := b.problem.AddParameterBlock(values, m); err != nil {
		return err
	}
	return b.problem.SetParameterBlockConstant(values)
}

// attachLandmark adds a free position block.
func (b *builder) attachLandmark(lm *slam.Landmark, pos r3.Vector) (*landmarkState, error) {
	ls := b.states.loadLandmark(lm, pos)
	if err := b.problem.AddParameterBlock(ls.position, nil); err != nil {
		return nil, err
	}
	return ls, nil
}

// checkCameraVariant accepts the supported projection and distortion families.
func checkCameraVariant(cam *camera.Model) error {
	if cam == nil {
		return camera.InvalidParametersError("keyframe has no camera model")
	}
	switch cam.ProjectionType() {
	case camera.PinholeProjectionType, camera.UnifiedProjectionType:
	default:
		return &camera.UnknownProjectionError{Type: cam.ProjectionType()}
	}
	if cam.Distorter() == nil {
		return camera.InvalidParametersError("camera has no distortion model")
	}
	switch cam.DistortionType() {
	case camera.NoDistortionType, camera.EquidistantDistortionType, camera.RadTanDistortionType, camera.FisheyeDistortionType:
	default:
		return &camera.UnknownDistortionError{Type: cam.DistortionType()}
	}
	return nil
}

// newReprojectionFactor builds the reprojection factor of one keypoint for the camera family
// of kf.
func newReprojectionFactor(cam *camera.Model, kp slam.Keypoint) (factor.CostFunction, error) {
	if err := checkCameraVariant(cam); err != nil {
		return nil, err
	}
	return factor.NewReprojection(cam, kp.Pixel, kp.Sigma()), nil
}

// newRelativeFactor builds one arm of a bidirectional two-view reprojection.
func newRelativeFactor(
	observer *slam.Keyframe,
	kp slam.Keypoint,
	point r3.Vector,
	other *slam.Keyframe,
	dir factor.Direction,
) (factor.CostFunction, error) {
	if err := checkCameraVariant(observer.Camera); err != nil {
		return nil, errors.Wrapf(err, "keyframe %s", observer.ID)
	}
	return factor.NewRelativeReprojection(observer.Camera, kp.Pixel, kp.Sigma(), point, observer.Extrinsics, other.Extrinsics, dir), nil
}

// addReprojection connects ks and ls through the keypoint kp.
func (b *builder) addReprojection(ks *keyframeState, ls *landmarkState, kp slam.Keypoint, loss factor.Loss) (solver.ResidualBlockID, error) {
	cost, err := newReprojectionFactor(ks.kf.Camera, kp)
	if err != nil {
		return 0, errors.Wrapf(err, "keyframe %s", ks.kf.ID)
	}
	blocks := [][]float64{ks.pose, ks.extrinsics, ls.position, ks.kf.Camera.IntrinsicsBuffer()}
	if dist := ks.kf.Camera.DistortionBuffer(); len(dist) > 0 {
		blocks = append(blocks, dist)
	}
	return b.problem.AddResidualBlock(cost, loss, blocks...)
}

// addBetween adds a sensor frame relative pose edge from a to b.
func (b *builder) addBetween(a, c *keyframeState, measured spatialmath.Pose, sqrtInfo mat.Matrix, loss factor.Loss) (solver.ResidualBlockID, error) {
	for _, ks := range []*keyframeState{a, c} {
		if !b.problem.HasParameterBlock(ks.pose) {
			return 0, newStructuralError(MissingParameterBlock, ks.kf.ID, "pose block not in problem")
		}
	}
	cost := factor.NewSixDofBetween(measured, sqrtInfo, factor.SensorFrame)
	return b.problem.AddResidualBlock(cost, loss, a.pose, c.pose, a.extrinsics, c.extrinsics)
}

// addIMU ties pred and ks through the preintegration of ks. The preintegration is relinearized
// around the bias estimate of pred first.
func (b *builder) addIMU(pred, ks *keyframeState) (solver.ResidualBlockID, error) {
	for _, s := range []*keyframeState{pred, ks} {
		if !b.problem.HasParameterBlock(s.pose) || !b.problem.HasParameterBlock(s.speedBias) {
			return 0, newStructuralError(MissingParameterBlock, s.kf.ID, "pose or speed and bias block not in problem")
		}
	}
	pre := ks.kf.Preintegration
	pre.Repropagate(pred.accBias(), pred.gyroBias())
	return b.problem.AddResidualBlock(factor.NewIMU(pre), nil, pred.pose, pred.speedBias, ks.pose, ks.speedBias)
}

// keypoint returns keypoint feat of kf, or false when the index is out of range.
func keypoint(kps []slam.Keypoint, feat int) (slam.Keypoint, bool) {
	if feat < 0 || feat >= len(kps) {
		return slam.Keypoint{}, false
	}
	return kps[feat], true
}

// observationRef links a reprojection residual to the observation it came from.
type observationRef struct {
	residual solver.ResidualBlockID
	keyframe slam.KeyframeID
	landmark slam.LandmarkID
}
