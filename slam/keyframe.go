package slam

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/imu"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// Keypoint is one 2D observation of a keyframe.
type Keypoint struct {
	Pixel  r2.Point
	Octave int
}

// Sigma is the pixel noise scale of the keypoint.
func (kp Keypoint) Sigma() float64 {
	return float64(kp.Octave+1) * 2
}

// Keyframe is a selected sensor state with its observations.
type Keyframe struct {
	ID KeyframeID
	// PoseWS is T_ws, the sensor frame in world coordinates.
	PoseWS   spatialmath.Pose
	Velocity r3.Vector
	AccBias  r3.Vector
	GyroBias r3.Vector
	// Extrinsics is T_sc, the camera frame in sensor coordinates.
	Extrinsics spatialmath.Pose
	Camera     *camera.Model

	Keypoints []Keypoint
	// AdditionalKeypoints are observed by local landmarks during local bundle adjustment.
	AdditionalKeypoints []Keypoint
	Preintegration      *imu.Preintegration

	Predecessor *KeyframeID
	Successor   *KeyframeID

	Invalid          bool
	Loaded           bool
	GBAOptimized     bool
	PoseOptimized    bool
	VelBiasOptimized bool

	// CorrectedPose, when set, initializes pose graph optimization.
	CorrectedPose *spatialmath.Pose

	landmarks []LandmarkID
}

// NewKeyframe returns a keyframe with no landmark associations.
func NewKeyframe(id KeyframeID, pose spatialmath.Pose, extrinsics spatialmath.Pose, cam *camera.Model, keypoints []Keypoint) *Keyframe {
	kf := &Keyframe{
		ID:         id,
		PoseWS:     pose,
		Extrinsics: extrinsics,
		Camera:     cam,
		Keypoints:  keypoints,
		landmarks:  make([]LandmarkID, len(keypoints)),
	}
	for i := range kf.landmarks {
		kf.landmarks[i] = NoLandmark
	}
	return kf
}

// SetPose replaces T_ws.
func (kf *Keyframe) SetPose(pose spatialmath.Pose) {
	kf.PoseWS = pose
}

// SetVelocityAndBias replaces the velocity and both biases.
func (kf *Keyframe) SetVelocityAndBias(velocity, accBias, gyroBias r3.Vector) {
	kf.Velocity = velocity
	kf.AccBias = accBias
	kf.GyroBias = gyroBias
}

// NumFeatures returns the number of keypoints.
func (kf *Keyframe) NumFeatures() int {
	return len(kf.Keypoints)
}

// LandmarkAt returns the landmark associated with a keypoint, or NoLandmark.
func (kf *Keyframe) LandmarkAt(feat int) LandmarkID {
	if feat < 0 || feat >= len(kf.landmarks) {
		return NoLandmark
	}
	return kf.landmarks[feat]
}

// Landmarks returns a copy of the keypoint to landmark slots.
func (kf *Keyframe) Landmarks() []LandmarkID {
	return append([]LandmarkID{}, kf.landmarks...)
}

func (kf *Keyframe) setLandmark(feat int, id LandmarkID) {
	for len(kf.landmarks) < len(kf.Keypoints) {
		kf.landmarks = append(kf.landmarks, NoLandmark)
	}
	kf.landmarks[feat] = id
}

// EraseLandmark drops the landmark association of one keypoint.
func (kf *Keyframe) EraseLandmark(feat int) {
	if feat >= 0 && feat < len(kf.landmarks) {
		kf.landmarks[feat] = NoLandmark
	}
}

// Sigma returns the noise scale of a keypoint.
func (kf *Keyframe) Sigma(feat int) float64 {
	return kf.Keypoints[feat].Sigma()
}

// NumIMUMeasurements returns the number of inertial samples since the predecessor.
func (kf *Keyframe) NumIMUMeasurements() int {
	if kf.Preintegration == nil {
		return 0
	}
	return kf.Preintegration.Len()
}
