package slam

import (
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/spatialmath"
)

// Observation is a keypoint of a keyframe that sees a landmark.
type Observation struct {
	Keyframe KeyframeID
	Feature  int
}

// Landmark is a triangulated 3D point.
type Landmark struct {
	ID           LandmarkID
	PosW         r3.Vector
	RefKeyframe  *KeyframeID
	Invalid      bool
	Optimized    bool
	GBAOptimized bool

	observations []Observation
}

// NewLandmark returns a landmark without observations.
func NewLandmark(id LandmarkID, pos r3.Vector) *Landmark {
	return &Landmark{ID: id, PosW: pos}
}

// SetPosition replaces the world position.
func (lm *Landmark) SetPosition(pos r3.Vector) {
	lm.PosW = pos
}

// Observations returns the observations ordered by keyframe id.
func (lm *Landmark) Observations() []Observation {
	return append([]Observation{}, lm.observations...)
}

// NumObservations returns the number of observing keyframes.
func (lm *Landmark) NumObservations() int {
	return len(lm.observations)
}

// FeatureIndex returns the keypoint index of the observation by kf, or -1.
func (lm *Landmark) FeatureIndex(kf KeyframeID) int {
	for _, obs := range lm.observations {
		if obs.Keyframe == kf {
			return obs.Feature
		}
	}
	return -1
}

func (lm *Landmark) addObservation(kf KeyframeID, feat int) {
	for i, obs := range lm.observations {
		if obs.Keyframe == kf {
			lm.observations[i].Feature = feat
			return
		}
	}
	lm.observations = append(lm.observations, Observation{Keyframe: kf, Feature: feat})
	sort.Slice(lm.observations, func(i, j int) bool {
		return lm.observations[i].Keyframe.Less(lm.observations[j].Keyframe)
	})
	if lm.RefKeyframe == nil {
		ref := kf
		lm.RefKeyframe = &ref
	}
}

// EraseObservation removes the observation by kf. The reference keyframe moves to the first
// remaining observer when it was the erased one.
func (lm *Landmark) EraseObservation(kf KeyframeID) {
	for i, obs := range lm.observations {
		if obs.Keyframe == kf {
			lm.observations = append(lm.observations[:i], lm.observations[i+1:]...)
			break
		}
	}
	if lm.RefKeyframe != nil && *lm.RefKeyframe == kf {
		lm.RefKeyframe = nil
		if len(lm.observations) > 0 {
			ref := lm.observations[0].Keyframe
			lm.RefKeyframe = &ref
		}
	}
}

// LocalObservation is a keypoint of AdditionalKeypoints seeing a local landmark.
type LocalObservation struct {
	Keyframe *Keyframe
	Feature  int
}

// LocalLandmark is a point expressed in the frame of a local bundle adjustment window.
type LocalLandmark struct {
	PosLocal     r3.Vector
	Observations []LocalObservation
}

// LoopConstraint is a relative transform between the sensor frames of two keyframes found by
// place recognition.
type LoopConstraint struct {
	KF1   KeyframeID
	KF2   KeyframeID
	TS1S2 spatialmath.Pose
	// Covariance is 6x6 ordered [rotation; translation]. May be nil.
	Covariance *mat.SymDense
	// RelativeYaw is in degrees.
	RelativeYaw float64
}

// TranslationCovarianceTrace returns the trace of the translational block of the covariance,
// or +Inf when no covariance is known.
func (lc LoopConstraint) TranslationCovarianceTrace() float64 {
	if lc.Covariance == nil {
		return inf
	}
	return lc.Covariance.At(3, 3) + lc.Covariance.At(4, 4) + lc.Covariance.At(5, 5)
}
