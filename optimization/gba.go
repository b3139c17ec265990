package optimization

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
)

// GBAOptions parameterize one global bundle adjustment.
type GBAOptions struct {
	MaxIterations int
	// MaxTime bounds the main solve. Zero means unbounded.
	MaxTime    time.Duration
	VisualOnly bool
	// RemoveOutliers runs a short solve first and permanently erases the observations whose
	// reprojection error exceeds th_gba_outlier_global.
	RemoveOutliers bool
}

// DefaultGBAOptions returns the options configured for the optimizer.
func (o *Optimizer) DefaultGBAOptions() GBAOptions {
	return GBAOptions{
		MaxIterations:  o.cfg.GBAIterationLimit,
		MaxTime:        o.cfg.GBAMaxTime(),
		VisualOnly:     o.cfg.VisualOnly,
		RemoveOutliers: true,
	}
}

type gbaPass int

const (
	gbaOutlierPass gbaPass = iota
	gbaMainPass
)

// gbaProblem is a built bundle adjustment with the bookkeeping writeback needs.
type gbaProblem struct {
	*builder
	observations []observationRef
	included     []*landmarkState
	excluded     int
	loopEdges    int
	imuEdges     int
}

// GlobalBundleAdjustment refines every valid keyframe and every landmark observed by enough
// keyframes. The anchor keyframe is held. The map is cleaned afterwards.
func (o *Optimizer) GlobalBundleAdjustment(ctx context.Context, m Map, opts GBAOptions) (Summary, error) {
	summary := newSummary(ProcedureGBA)
	logger := o.logger.Sublogger(string(ProcedureGBA)).With("run", summary.RunID)
	logger.CDebugw(ctx, "starting global bundle adjustment", "visual_only", opts.VisualOnly)

	if opts.RemoveOutliers {
		gp, err := o.buildGBA(logger, m, opts, gbaOutlierPass)
		if err != nil {
			return summary, err
		}
		solveOpts := o.solverOptions(logger, o.cfg.GBAOutlierIterationLimit, 0, solver.DenseSchur)
		outlierSolve, err := solver.Solve(ctx, gp.problem, solveOpts)
		summary.OutlierSolve = &outlierSolve
		if err != nil {
			return summary, errors.Wrap(err, "outlier pass")
		}
		ids := make([]solver.ResidualBlockID, len(gp.observations))
		for i, obs := range gp.observations {
			ids[i] = obs.residual
		}
		removed, rs, err := removeOutliers(gp.problem, ids, o.cfg.ThGBAOutlierGlobal)
		if err != nil {
			return summary, errors.Wrap(err, "classifying outliers")
		}
		for _, i := range removed {
			obs := gp.observations[i]
			m.EraseObservation(obs.landmark, obs.keyframe)
		}
		summary.ObservationsRemoved = len(removed)
		summary.OutlierResiduals = &rs
		logger.CDebugw(ctx, "outlier pass done", "removed", len(removed),
			"residual_median", rs.Median, "residual_p95", rs.P95)
	}

	gp, err := o.buildGBA(logger, m, opts, gbaMainPass)
	if err != nil {
		return summary, err
	}
	summary.KeyframesIncluded = len(gp.states.keyframeOrder)
	summary.LandmarksIncluded = len(gp.included)
	summary.LandmarksExcluded = gp.excluded
	summary.LoopEdges = gp.loopEdges
	summary.IMUEdges = gp.imuEdges
	for _, ks := range gp.states.keyframeOrder {
		if ks.held {
			summary.KeyframesHeld++
		}
	}

	solveOpts := o.solverOptions(logger, opts.MaxIterations, opts.MaxTime, solver.DenseSchur)
	summary.Solve, err = solver.Solve(ctx, gp.problem, solveOpts)
	if err != nil {
		return summary, errors.Wrap(err, "global bundle adjustment")
	}

	for _, ks := range gp.states.keyframeOrder {
		ks.storePose()
		if !opts.VisualOnly {
			ks.storeSpeedBias()
		}
		ks.kf.GBAOptimized = true
	}
	for _, ls := range gp.included {
		ls.storePosition()
		ls.lm.GBAOptimized = true
	}

	summary.Cleaned = toCleanCounts(m.Clean())
	logger.Infow("global bundle adjustment done", summary.logFields()...)
	return summary, nil
}

// buildGBA builds the bundle adjustment over the current map state.
func (o *Optimizer) buildGBA(logger logging.Logger, m Map, opts GBAOptions, pass gbaPass) (*gbaProblem, error) {
	gp := &gbaProblem{builder: newBuilder()}
	anchor := m.AnchorID()

	for _, kf := range m.Keyframes() {
		hold := kf.ID == anchor || (o.cfg.GBAFixPosesLoadedMaps && kf.Loaded)
		if _, err := gp.attachKeyframe(kf, kf.PoseWS, attachOptions{
			holdPose:      hold,
			withSpeedBias: !opts.VisualOnly,
			withCamera:    true,
		}); err != nil {
			return nil, err
		}
	}

	if !opts.VisualOnly {
		for _, ks := range gp.states.keyframeOrder {
			kf := ks.kf
			pred, ok := m.Predecessor(kf)
			if !ok {
				if kf.ID.Frame != 0 {
					return nil, newStructuralError(MissingPredecessor, kf.ID, "")
				}
				continue
			}
			if pred.Invalid {
				return nil, newStructuralError(InvalidPredecessor, kf.ID, "predecessor %s", pred.ID)
			}
			if kf.NumIMUMeasurements() == 0 {
				logger.Debugw("no IMU measurements, skipping IMU factor", "keyframe", kf.ID)
				continue
			}
			predState, ok := gp.states.keyframe(pred.ID)
			if !ok {
				return nil, newStructuralError(MissingParameterBlock, pred.ID, "predecessor of %s not in problem", kf.ID)
			}
			if _, err := gp.addIMU(predState, ks); err != nil {
				return nil, err
			}
			gp.imuEdges++
		}
	}

	reprojectionLoss := factor.NewCauchyLoss(o.cfg.CauchyLossScale)
	for _, lm := range m.Landmarks() {
		obs := lm.Observations()
		if len(obs) < o.cfg.MinObservations {
			gp.excluded++
			continue
		}
		type usable struct {
			ks *keyframeState
			kp slam.Keypoint
		}
		valid := make([]usable, 0, len(obs))
		for _, ob := range obs {
			ks, ok := gp.states.keyframe(ob.Keyframe)
			if !ok {
				continue
			}
			kp, ok := keypoint(ks.kf.Keypoints, ob.Feature)
			if !ok {
				logger.Warnw("observation feature out of range", "landmark", lm.ID, "keyframe", ob.Keyframe, "feature", ob.Feature)
				continue
			}
			valid = append(valid, usable{ks: ks, kp: kp})
		}
		if len(valid) < o.cfg.MinObservations {
			gp.excluded++
			continue
		}
		ls, err := gp.attachLandmark(lm, lm.PosW)
		if err != nil {
			return nil, err
		}
		gp.included = append(gp.included, ls)
		for _, u := range valid {
			id, err := gp.addReprojection(u.ks, ls, u.kp, reprojectionLoss)
			if err != nil {
				return nil, err
			}
			gp.observations = append(gp.observations, observationRef{residual: id, keyframe: u.ks.kf.ID, landmark: lm.ID})
		}
	}

	if o.cfg.GBAUseMapLoopConstraints {
		var loopLoss factor.Loss
		if pass == gbaMainPass {
			loopLoss = reprojectionLoss
		}
		sqrtInfo := factor.SqrtInformation(o.cfg.WtLpR, o.cfg.WtLpT)
		for _, lc := range m.LoopConstraints() {
			ks1, ok1 := gp.states.keyframe(lc.KF1)
			ks2, ok2 := gp.states.keyframe(lc.KF2)
			if !ok1 || !ok2 {
				logger.Warnw("loop keyframe missing, skipping loop edge", "kf1", lc.KF1, "kf2", lc.KF2)
				continue
			}
			if _, err := gp.addBetween(ks1, ks2, lc.TS1S2, sqrtInfo, loopLoss); err != nil {
				return nil, err
			}
			gp.loopEdges++
		}
	}
	return gp, nil
}
