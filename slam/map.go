package slam

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var inf = math.Inf(1)

// Map is an arena of keyframes, landmarks and loop constraints. Entities refer to each other
// by id. Map methods do not lock: callers that share a map across goroutines serialize access
// through Mutate.
type Map struct {
	ID uint32

	mu        sync.Mutex
	keyframes map[KeyframeID]*Keyframe
	landmarks map[LandmarkID]*Landmark
	loops     []LoopConstraint
}

// NewMap returns an empty map for the given agent.
func NewMap(id uint32) *Map {
	return &Map{
		ID:        id,
		keyframes: map[KeyframeID]*Keyframe{},
		landmarks: map[LandmarkID]*Landmark{},
	}
}

// Mutate runs mutator while holding the map lock.
func (m *Map) Mutate(mutator func(m *Map)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutator(m)
}

// AddKeyframe stores kf and links it to the predecessor/successor named on it.
func (m *Map) AddKeyframe(kf *Keyframe) error {
	if _, ok := m.keyframes[kf.ID]; ok {
		return errors.Errorf("keyframe %s already in map", kf.ID)
	}
	m.keyframes[kf.ID] = kf
	if kf.Predecessor != nil {
		if pred, ok := m.keyframes[*kf.Predecessor]; ok && pred.Successor == nil {
			id := kf.ID
			pred.Successor = &id
		}
	}
	return nil
}

// AddLandmark stores lm.
func (m *Map) AddLandmark(lm *Landmark) error {
	if _, ok := m.landmarks[lm.ID]; ok {
		return errors.Errorf("landmark %s already in map", lm.ID)
	}
	m.landmarks[lm.ID] = lm
	return nil
}

// AddObservation records that keypoint feat of kf sees lm, on both sides.
func (m *Map) AddObservation(lmID LandmarkID, kfID KeyframeID, feat int) error {
	lm, ok := m.landmarks[lmID]
	if !ok {
		return errors.Errorf("unknown landmark %s", lmID)
	}
	kf, ok := m.keyframes[kfID]
	if !ok {
		return errors.Errorf("unknown keyframe %s", kfID)
	}
	if feat < 0 || feat >= len(kf.Keypoints) {
		return errors.Errorf("feature %d out of range for keyframe %s with %d keypoints", feat, kfID, len(kf.Keypoints))
	}
	kf.setLandmark(feat, lmID)
	lm.addObservation(kfID, feat)
	return nil
}

// EraseObservation removes the observation of lm by kf from both sides.
func (m *Map) EraseObservation(lmID LandmarkID, kfID KeyframeID) {
	lm, ok := m.landmarks[lmID]
	if !ok {
		return
	}
	if kf, ok := m.keyframes[kfID]; ok {
		if feat := lm.FeatureIndex(kfID); feat >= 0 && kf.LandmarkAt(feat) == lmID {
			kf.EraseLandmark(feat)
		}
	}
	lm.EraseObservation(kfID)
}

// AddLoopConstraint stores a loop constraint. Both keyframes must be in the map.
func (m *Map) AddLoopConstraint(lc LoopConstraint) error {
	for _, id := range []KeyframeID{lc.KF1, lc.KF2} {
		if _, ok := m.keyframes[id]; !ok {
			return errors.Errorf("loop constraint references unknown keyframe %s", id)
		}
	}
	m.loops = append(m.loops, lc)
	return nil
}

// Keyframe returns the keyframe with the given id, valid or not.
func (m *Map) Keyframe(id KeyframeID) (*Keyframe, bool) {
	kf, ok := m.keyframes[id]
	return kf, ok
}

// Landmark returns the landmark with the given id, valid or not.
func (m *Map) Landmark(id LandmarkID) (*Landmark, bool) {
	lm, ok := m.landmarks[id]
	return lm, ok
}

// Keyframes returns all valid keyframes ordered by id.
func (m *Map) Keyframes() []*Keyframe {
	kfs := lo.Filter(lo.Values(m.keyframes), func(kf *Keyframe, _ int) bool { return !kf.Invalid })
	sort.Slice(kfs, func(i, j int) bool { return kfs[i].ID.Less(kfs[j].ID) })
	return kfs
}

// Landmarks returns all valid landmarks ordered by id.
func (m *Map) Landmarks() []*Landmark {
	lms := lo.Filter(lo.Values(m.landmarks), func(lm *Landmark, _ int) bool { return !lm.Invalid })
	sort.Slice(lms, func(i, j int) bool { return lms[i].ID.Less(lms[j].ID) })
	return lms
}

// LoopConstraints returns the loop constraints in insertion order.
func (m *Map) LoopConstraints() []LoopConstraint {
	return append([]LoopConstraint{}, m.loops...)
}

// Predecessor returns the temporal predecessor of kf, if it is in the map.
func (m *Map) Predecessor(kf *Keyframe) (*Keyframe, bool) {
	if kf.Predecessor == nil {
		return nil, false
	}
	return m.Keyframe(*kf.Predecessor)
}

// Successor returns the temporal successor of kf, if it is in the map.
func (m *Map) Successor(kf *Keyframe) (*Keyframe, bool) {
	if kf.Successor == nil {
		return nil, false
	}
	return m.Keyframe(*kf.Successor)
}

// AnchorID is the keyframe held fixed in full map optimizations.
func (m *Map) AnchorID() KeyframeID {
	return KeyframeID{Frame: 0, Agent: m.ID}
}

// CleanStats counts what Clean removed.
type CleanStats struct {
	Keyframes    int
	Landmarks    int
	Observations int
}

// Clean drops invalid keyframes and landmarks, observations whose keyframe or landmark is
// gone, and landmarks left without observations. Loop constraints touching removed
// keyframes are dropped as well.
func (m *Map) Clean() CleanStats {
	var stats CleanStats
	for id, kf := range m.keyframes {
		if kf.Invalid {
			delete(m.keyframes, id)
			stats.Keyframes++
		}
	}
	for id, lm := range m.landmarks {
		if lm.Invalid {
			delete(m.landmarks, id)
			stats.Landmarks++
		}
	}

	for _, lm := range m.landmarks {
		for _, obs := range lm.Observations() {
			kf, ok := m.keyframes[obs.Keyframe]
			if !ok || kf.LandmarkAt(obs.Feature) != lm.ID {
				lm.EraseObservation(obs.Keyframe)
				stats.Observations++
			}
		}
	}
	for _, kf := range m.keyframes {
		for feat, lmID := range kf.landmarks {
			if !lmID.Valid() {
				continue
			}
			lm, ok := m.landmarks[lmID]
			if !ok || lm.FeatureIndex(kf.ID) != feat {
				kf.EraseLandmark(feat)
				stats.Observations++
			}
		}
		if kf.Predecessor != nil {
			if _, ok := m.keyframes[*kf.Predecessor]; !ok {
				kf.Predecessor = nil
			}
		}
		if kf.Successor != nil {
			if _, ok := m.keyframes[*kf.Successor]; !ok {
				kf.Successor = nil
			}
		}
	}
	for id, lm := range m.landmarks {
		if lm.NumObservations() == 0 {
			delete(m.landmarks, id)
			stats.Landmarks++
		}
	}
	m.loops = lo.Filter(m.loops, func(lc LoopConstraint, _ int) bool {
		_, ok1 := m.keyframes[lc.KF1]
		_, ok2 := m.keyframes[lc.KF2]
		return ok1 && ok2
	})
	return stats
}
