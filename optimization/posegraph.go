package optimization

import (
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// edgePair is a structural edge of the pose graph, from the older to the newer keyframe.
type edgePair struct {
	from *slam.Keyframe
	to   *slam.Keyframe
}

// structuralEdges lists the sequential edges (keyframe to successor) and the window edges
// (keyframe to each of its pgo_window_size nearest predecessors) between keyframes accepted by
// include. Pairs are deduplicated.
func (o *Optimizer) structuralEdges(m Map, kfs []*slam.Keyframe, include func(slam.KeyframeID) bool) []edgePair {
	visited := map[pairKey]struct{}{}
	var edges []edgePair
	add := func(from, to *slam.Keyframe) {
		if !include(from.ID) || !include(to.ID) {
			return
		}
		key := newPairKey(from.ID, to.ID)
		if _, ok := visited[key]; ok {
			return
		}
		visited[key] = struct{}{}
		edges = append(edges, edgePair{from: from, to: to})
	}
	for _, kf := range kfs {
		if succ, ok := m.Successor(kf); ok && !succ.Invalid {
			add(kf, succ)
		}
		cur := kf
		for j := 0; j < o.cfg.PGOWindowSize; j++ {
			pred, ok := m.Predecessor(cur)
			if !ok || pred.Invalid {
				break
			}
			add(pred, kf)
			cur = pred
		}
	}
	return edges
}

// holdInPoseGraph reports whether a keyframe keeps its pose during pose graph optimization.
func (o *Optimizer) holdInPoseGraph(kf *slam.Keyframe, anchor slam.KeyframeID) bool {
	return kf.ID == anchor ||
		(o.cfg.PGOFixKFsAfterGBA && kf.GBAOptimized) ||
		(o.cfg.PGOFixPosesLoadedMaps && kf.Loaded)
}

// initialPose is where pose graph optimization starts a free keyframe.
func initialPose(kf *slam.Keyframe, held bool) spatialmath.Pose {
	if kf.CorrectedPose != nil && !held {
		return *kf.CorrectedPose
	}
	return kf.PoseWS
}

// applyPoseCorrection moves kf to pose and rotates its velocity with it, so the velocity in
// the sensor frame is unchanged.
func applyPoseCorrection(kf *slam.Keyframe, pose spatialmath.Pose) {
	delta := quat.Mul(pose.Rotation, quat.Conj(kf.PoseWS.Rotation))
	kf.Velocity = spatialmath.RotatePoint(delta, kf.Velocity)
	kf.SetPose(pose)
	kf.PoseOptimized = true
}

// reanchorLandmarks moves every landmark rigidly with its reference keyframe. before holds
// the pose of each keyframe prior to the correction. It returns the number of landmarks moved.
func reanchorLandmarks(logger logging.Logger, m Map, before map[slam.KeyframeID]spatialmath.Pose) int {
	moved := 0
	for _, lm := range m.Landmarks() {
		if lm.RefKeyframe == nil {
			logger.Warnw("landmark without reference keyframe", "landmark", lm.ID)
			continue
		}
		old, ok := before[*lm.RefKeyframe]
		if !ok {
			logger.Warnw("reference keyframe of landmark not optimized", "landmark", lm.ID, "keyframe", *lm.RefKeyframe)
			continue
		}
		ref, ok := m.Keyframe(*lm.RefKeyframe)
		if !ok || ref.Invalid {
			logger.Warnw("reference keyframe of landmark missing", "landmark", lm.ID, "keyframe", *lm.RefKeyframe)
			continue
		}
		local := spatialmath.PoseInverse(old).TransformPoint(lm.PosW)
		lm.SetPosition(ref.PoseWS.TransformPoint(local))
		moved++
	}
	return moved
}
