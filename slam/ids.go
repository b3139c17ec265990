// Package slam holds the map arena the optimizer works on: keyframes, landmarks and loop
// constraints linked by stable identifiers instead of owning references.
package slam

import (
	"fmt"
	"math"
)

// KeyframeID identifies a keyframe by agent and sequence index.
type KeyframeID struct {
	Frame uint64
	Agent uint32
}

// Less orders ids by agent, then frame.
func (id KeyframeID) Less(other KeyframeID) bool {
	if id.Agent != other.Agent {
		return id.Agent < other.Agent
	}
	return id.Frame < other.Frame
}

func (id KeyframeID) String() string {
	return fmt.Sprintf("%d,%d", id.Frame, id.Agent)
}

// LandmarkID identifies a landmark by agent and sequence index.
type LandmarkID struct {
	Frame uint64
	Agent uint32
}

// NoLandmark marks a keypoint without an associated landmark.
var NoLandmark = LandmarkID{Frame: math.MaxUint64, Agent: math.MaxUint32}

// Valid reports whether the id refers to a landmark.
func (id LandmarkID) Valid() bool {
	return id != NoLandmark
}

// Less orders ids by agent, then frame.
func (id LandmarkID) Less(other LandmarkID) bool {
	if id.Agent != other.Agent {
		return id.Agent < other.Agent
	}
	return id.Frame < other.Frame
}

func (id LandmarkID) String() string {
	if !id.Valid() {
		return "none"
	}
	return fmt.Sprintf("%d,%d", id.Frame, id.Agent)
}
