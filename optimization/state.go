package optimization

import (
	"github.com/golang/geo/r3"

	"github.com/EmmanuelMess/covins/imu"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// keyframeState holds the parameter buffers of one keyframe for the duration of a call.
type keyframeState struct {
	kf *slam.Keyframe
	// pose is T_ws, or the window local pose in local bundle adjustment
	pose       []float64
	speedBias  []float64
	extrinsics []float64
	held       bool
}

// landmarkState holds the position buffer of one landmark.
type landmarkState struct {
	lm       *slam.Landmark
	position []float64
}

// yawTransState is the 4-DoF parameterization of a keyframe: yawTrans is [yaw tx ty tz] with
// the yaw in degrees, pitch and roll stay at their initial values.
type yawTransState struct {
	kf       *slam.Keyframe
	yawTrans []float64
	pitch    float64
	roll     float64
	held     bool
}

// stateSet owns every buffer handed to the solver and moves values between the buffers and
// the map entities.
type stateSet struct {
	keyframes     map[slam.KeyframeID]*keyframeState
	keyframeOrder []*keyframeState
	landmarks     map[slam.LandmarkID]*landmarkState
	landmarkOrder []*landmarkState
}

func newStateSet() *stateSet {
	return &stateSet{
		keyframes: map[slam.KeyframeID]*keyframeState{},
		landmarks: map[slam.LandmarkID]*landmarkState{},
	}
}

// loadKeyframe allocates buffers for kf initialized with pose, its extrinsics and its
// velocity and biases.
func (s *stateSet) loadKeyframe(kf *slam.Keyframe, pose spatialmath.Pose) *keyframeState {
	ks := &keyframeState{
		kf:         kf,
		pose:       spatialmath.NewPoseBuffer(pose),
		speedBias:  make([]float64, imu.SpeedBiasSize),
		extrinsics: spatialmath.NewPoseBuffer(kf.Extrinsics),
	}
	putVector(ks.speedBias[0:3], kf.Velocity)
	putVector(ks.speedBias[3:6], kf.AccBias)
	putVector(ks.speedBias[6:9], kf.GyroBias)
	s.keyframes[kf.ID] = ks
	s.keyframeOrder = append(s.keyframeOrder, ks)
	return ks
}

func (s *stateSet) keyframe(id slam.KeyframeID) (*keyframeState, bool) {
	ks, ok := s.keyframes[id]
	return ks, ok
}

// loadLandmark allocates a position buffer for lm at pos.
func (s *stateSet) loadLandmark(lm *slam.Landmark, pos r3.Vector) *landmarkState {
	ls := &landmarkState{lm: lm, position: []float64{pos.X, pos.Y, pos.Z}}
	if lm != nil {
		s.landmarks[lm.ID] = ls
	}
	s.landmarkOrder = append(s.landmarkOrder, ls)
	return ls
}

func (ks *keyframeState) currentPose() spatialmath.Pose {
	return spatialmath.FromBuffer(ks.pose)
}

func (ks *keyframeState) accBias() r3.Vector {
	return vector(ks.speedBias[3:6])
}

func (ks *keyframeState) gyroBias() r3.Vector {
	return vector(ks.speedBias[6:9])
}

// storePose writes the optimized pose back unless the pose was held.
func (ks *keyframeState) storePose() {
	if ks.held {
		return
	}
	ks.kf.SetPose(ks.currentPose())
	ks.kf.PoseOptimized = true
}

func (ks *keyframeState) storeSpeedBias() {
	ks.kf.SetVelocityAndBias(vector(ks.speedBias[0:3]), ks.accBias(), ks.gyroBias())
	ks.kf.VelBiasOptimized = true
}

func (ls *landmarkState) currentPosition() r3.Vector {
	return vector(ls.position)
}

func (ls *landmarkState) storePosition() {
	ls.lm.SetPosition(ls.currentPosition())
	ls.lm.Optimized = true
}

// newYawTransState starts yaw and translation at seed. Pitch and roll always come from the
// keyframe's current pose, whatever attitude the seed carries.
func newYawTransState(kf *slam.Keyframe, seed spatialmath.Pose) *yawTransState {
	current := spatialmath.QuatToYPR(kf.PoseWS.Rotation)
	seedYaw := spatialmath.QuatToYPR(seed.Rotation).Yaw
	return &yawTransState{
		kf:       kf,
		yawTrans: []float64{seedYaw, seed.Translation.X, seed.Translation.Y, seed.Translation.Z},
		pitch:    current.Pitch,
		roll:     current.Roll,
	}
}

func (ys *yawTransState) yaw() []float64 {
	return ys.yawTrans[0:1]
}

func (ys *yawTransState) translation() []float64 {
	return ys.yawTrans[1:4]
}

// currentPose rebuilds the full pose from the optimized yaw and the fixed pitch and roll.
func (ys *yawTransState) currentPose() spatialmath.Pose {
	q := spatialmath.YPRToQuat(spatialmath.YPR{Yaw: ys.yawTrans[0], Pitch: ys.pitch, Roll: ys.roll})
	return spatialmath.Pose{Rotation: q, Translation: vector(ys.translation())}
}

func putVector(buf []float64, v r3.Vector) {
	buf[0], buf[1], buf[2] = v.X, v.Y, v.Z
}

func vector(buf []float64) r3.Vector {
	return r3.Vector{X: buf[0], Y: buf[1], Z: buf[2]}
}
