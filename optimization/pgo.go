package optimization

import (
	"context"

	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// PoseGraphOptimization refines every keyframe pose from loop, sequential and window edges,
// starting from Keyframe.CorrectedPose where one is set. Landmarks follow their reference
// keyframes rigidly.
func (o *Optimizer) PoseGraphOptimization(ctx context.Context, m Map) (Summary, error) {
	summary := newSummary(ProcedurePGO)
	logger := o.logger.Sublogger(string(ProcedurePGO)).With("run", summary.RunID)
	b := newBuilder()
	anchor := m.AnchorID()

	kfs := m.Keyframes()
	before := make(map[slam.KeyframeID]spatialmath.Pose, len(kfs))
	for _, kf := range kfs {
		held := o.holdInPoseGraph(kf, anchor)
		before[kf.ID] = kf.PoseWS
		if _, err := b.attachKeyframe(kf, initialPose(kf, held), attachOptions{holdPose: held}); err != nil {
			return summary, err
		}
		if held {
			summary.KeyframesHeld++
		}
	}
	summary.KeyframesIncluded = len(kfs)

	for _, lc := range m.LoopConstraints() {
		ks1, ok1 := b.states.keyframe(lc.KF1)
		ks2, ok2 := b.states.keyframe(lc.KF2)
		if !ok1 || !ok2 {
			logger.Warnw("loop keyframe missing, skipping loop edge", "kf1", lc.KF1, "kf2", lc.KF2)
			continue
		}
		if _, err := b.addBetween(ks1, ks2, lc.TS1S2, o.loopSqrtInformation(logger, lc), nil); err != nil {
			return summary, err
		}
		summary.LoopEdges++
	}

	sqrtInfo := o.sequentialSqrtInformation()
	inProblem := func(id slam.KeyframeID) bool {
		_, ok := b.states.keyframe(id)
		return ok
	}
	for _, e := range o.structuralEdges(m, kfs, inProblem) {
		from, _ := b.states.keyframe(e.from.ID)
		to, _ := b.states.keyframe(e.to.ID)
		// measured from the poses before correction
		measured := spatialmath.PoseBetween(e.from.PoseWS, e.to.PoseWS)
		if _, err := b.addBetween(from, to, measured, sqrtInfo, nil); err != nil {
			return summary, err
		}
		summary.SequentialEdges++
	}

	var err error
	solveOpts := o.solverOptions(logger, o.cfg.PGOIterationLimit, 0, solver.DenseSchur)
	summary.Solve, err = solver.Solve(ctx, b.problem, solveOpts)
	if err != nil {
		return summary, errors.Wrap(err, "pose graph optimization")
	}

	for _, ks := range b.states.keyframeOrder {
		if !ks.held {
			applyPoseCorrection(ks.kf, ks.currentPose())
		}
		ks.kf.CorrectedPose = nil
	}
	summary.LandmarksIncluded = reanchorLandmarks(logger, m, before)
	logger.Infow("pose graph optimization done", summary.logFields()...)
	return summary, nil
}
