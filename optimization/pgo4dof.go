package optimization

import (
	"context"

	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/manifold"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
	"github.com/EmmanuelMess/covins/spatialmath"
	"github.com/EmmanuelMess/covins/utils"
)

// PoseGraphOptimization4DoF is PoseGraphOptimization over yaw and translation only. Pitch and
// roll of every keyframe stay at their initial values.
func (o *Optimizer) PoseGraphOptimization4DoF(ctx context.Context, m Map) (Summary, error) {
	summary := newSummary(ProcedurePGO4DoF)
	logger := o.logger.Sublogger(string(ProcedurePGO4DoF)).With("run", summary.RunID)
	problem := solver.NewProblem()
	anchor := m.AnchorID()

	kfs := m.Keyframes()
	before := make(map[slam.KeyframeID]spatialmath.Pose, len(kfs))
	states := make(map[slam.KeyframeID]*yawTransState, len(kfs))
	order := make([]*yawTransState, 0, len(kfs))
	for _, kf := range kfs {
		held := o.holdInPoseGraph(kf, anchor)
		before[kf.ID] = kf.PoseWS
		ys := newYawTransState(kf, initialPose(kf, held))
		ys.held = held
		if err := problem.AddParameterBlock(ys.yaw(), manifold.YawAngle{}); err != nil {
			return summary, err
		}
		if err := problem.AddParameterBlock(ys.translation(), nil); err != nil {
			return summary, err
		}
		if held {
			if err := problem.SetParameterBlockConstant(ys.yaw()); err != nil {
				return summary, err
			}
			if err := problem.SetParameterBlockConstant(ys.translation()); err != nil {
				return summary, err
			}
			summary.KeyframesHeld++
		}
		states[kf.ID] = ys
		order = append(order, ys)
	}
	summary.KeyframesIncluded = len(kfs)

	loopLoss := factor.NewHuberLoss(o.cfg.HuberLossScale)
	for _, lc := range m.LoopConstraints() {
		ys1, ok1 := states[lc.KF1]
		ys2, ok2 := states[lc.KF2]
		if !ok1 || !ok2 {
			logger.Warnw("loop keyframe missing, skipping loop edge", "kf1", lc.KF1, "kf2", lc.KF2)
			continue
		}
		cost := factor.NewFourDofWeight(lc.TS1S2.Translation, lc.RelativeYaw, ys1.pitch, ys1.roll, o.loopWeight4DoF(lc))
		if _, err := problem.AddResidualBlock(cost, loopLoss, ys1.yaw(), ys1.translation(), ys2.yaw(), ys2.translation()); err != nil {
			return summary, err
		}
		summary.LoopEdges++
	}

	inProblem := func(id slam.KeyframeID) bool {
		_, ok := states[id]
		return ok
	}
	for _, e := range o.structuralEdges(m, kfs, inProblem) {
		from, to := states[e.from.ID], states[e.to.ID]
		// measured from the poses before correction
		yprFrom := spatialmath.QuatToYPR(e.from.PoseWS.Rotation)
		yprTo := spatialmath.QuatToYPR(e.to.PoseWS.Rotation)
		rel := spatialmath.PoseBetween(e.from.PoseWS, e.to.PoseWS)
		relYaw := utils.NormalizeAngleDeg(yprTo.Yaw - yprFrom.Yaw)
		cost := factor.NewFourDof(rel.Translation, relYaw, from.pitch, from.roll)
		if _, err := problem.AddResidualBlock(cost, nil, from.yaw(), from.translation(), to.yaw(), to.translation()); err != nil {
			return summary, err
		}
		summary.SequentialEdges++
	}

	var err error
	solveOpts := o.solverOptions(logger, o.cfg.PGOIterationLimit, 0, solver.DenseNormalCholesky)
	summary.Solve, err = solver.Solve(ctx, problem, solveOpts)
	if err != nil {
		return summary, errors.Wrap(err, "4-DoF pose graph optimization")
	}

	for _, ys := range order {
		if !ys.held {
			applyPoseCorrection(ys.kf, ys.currentPose())
		}
		ys.kf.CorrectedPose = nil
	}
	summary.LandmarksIncluded = reanchorLandmarks(logger, m, before)
	logger.Infow("4-DoF pose graph optimization done", summary.logFields()...)
	return summary, nil
}
