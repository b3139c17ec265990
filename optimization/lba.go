package optimization

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// LBAInput is a local bundle adjustment between a query window and a candidate window.
type LBAInput struct {
	Landmarks []*slam.LocalLandmark
	// Query[0] is the origin of the local frame.
	Query     []*slam.Keyframe
	Candidate []*slam.Keyframe
	// TQueryCandidate is T_s1s2, the sensor frame of Candidate[0] in the sensor frame of Query[0].
	TQueryCandidate spatialmath.Pose
}

// LBAResult is the refined relative transform and its covariance.
type LBAResult struct {
	// Transform is the refined T_s1s2.
	Transform spatialmath.Pose
	// Covariance is the 6x6 tangent covariance of Transform, [rotation; translation]. Nil when
	// the problem had no residuals.
	Covariance *mat.SymDense
	Summary    Summary
}

// LocalBundleAdjustment refines the relative transform between the two windows together with
// the local landmarks, and estimates the covariance of the transform. Landmark positions are
// written back to the local landmarks. Keyframe state is not modified.
func (o *Optimizer) LocalBundleAdjustment(ctx context.Context, in LBAInput) (LBAResult, error) {
	result := LBAResult{Summary: newSummary(ProcedureLBA)}
	summary := &result.Summary
	logger := o.logger.Sublogger(string(ProcedureLBA)).With("run", summary.RunID)

	if len(in.Query) == 0 || len(in.Candidate) == 0 {
		return result, newStructuralError(MissingKeyframe, slam.KeyframeID{}, "empty window (query %d, candidate %d)",
			len(in.Query), len(in.Candidate))
	}
	b := newBuilder()
	query0, cand0 := in.Query[0], in.Candidate[0]
	queryInv := spatialmath.PoseInverse(query0.PoseWS)
	candInv := spatialmath.PoseInverse(cand0.PoseWS)

	queryStates := make([]*keyframeState, 0, len(in.Query))
	for i, kf := range in.Query {
		local := spatialmath.NewZeroPose()
		if i > 0 {
			local = spatialmath.Compose(queryInv, kf.PoseWS)
		}
		ks, err := b.attachKeyframe(kf, local, attachOptions{holdPose: i == 0, withCamera: true})
		if err != nil {
			return result, err
		}
		queryStates = append(queryStates, ks)
	}
	candStates := make([]*keyframeState, 0, len(in.Candidate))
	for _, kf := range in.Candidate {
		local := spatialmath.Compose(in.TQueryCandidate, spatialmath.Compose(candInv, kf.PoseWS))
		ks, err := b.attachKeyframe(kf, local, attachOptions{withCamera: true})
		if err != nil {
			return result, err
		}
		candStates = append(candStates, ks)
	}
	summary.KeyframesIncluded = len(queryStates) + len(candStates)
	summary.KeyframesHeld = 1

	loss := factor.NewCauchyLoss(o.cfg.CauchyLossScale)
	type localObs struct {
		ks *keyframeState
		kp slam.Keypoint
	}
	landmarkStates := make([]*landmarkState, 0, len(in.Landmarks))
	included := make([]*slam.LocalLandmark, 0, len(in.Landmarks))
	for _, llm := range in.Landmarks {
		var usable []localObs
		for _, ob := range llm.Observations {
			if ob.Keyframe == nil || ob.Keyframe.Invalid {
				continue
			}
			ks, ok := b.states.keyframe(ob.Keyframe.ID)
			if !ok || ks.kf != ob.Keyframe {
				continue
			}
			kp, ok := keypoint(ob.Keyframe.AdditionalKeypoints, ob.Feature)
			if !ok {
				logger.Warnw("local observation feature out of range", "keyframe", ob.Keyframe.ID, "feature", ob.Feature)
				continue
			}
			usable = append(usable, localObs{ks: ks, kp: kp})
		}
		if len(usable) < o.cfg.MinObservations {
			summary.LandmarksExcluded++
			continue
		}
		ls, err := b.attachLandmark(nil, llm.PosLocal)
		if err != nil {
			return result, err
		}
		for _, u := range usable {
			if _, err := b.addReprojection(u.ks, ls, u.kp, loss); err != nil {
				return result, err
			}
		}
		landmarkStates = append(landmarkStates, ls)
		included = append(included, llm)
	}
	summary.LandmarksIncluded = len(landmarkStates)

	// star edges from each window anchor keep the windows rigid
	sqrtInfo := o.sequentialSqrtInformation()
	for _, window := range [][]*keyframeState{candStates, queryStates} {
		anchor := window[0]
		for _, ks := range window[1:] {
			measured := spatialmath.PoseBetween(anchor.kf.PoseWS, ks.kf.PoseWS)
			if _, err := b.addBetween(anchor, ks, measured, sqrtInfo, loss); err != nil {
				return result, err
			}
			summary.SequentialEdges++
		}
	}

	var err error
	solveOpts := o.solverOptions(logger, o.cfg.LBAIterationLimit, 0, solver.DenseSchur)
	summary.Solve, err = solver.Solve(ctx, b.problem, solveOpts)
	if err != nil {
		return result, errors.Wrap(err, "local bundle adjustment")
	}
	result.Transform = candStates[0].currentPose()
	for i, ls := range landmarkStates {
		included[i].PosLocal = ls.currentPosition()
	}

	// Jacobian columns: every candidate pose, the non-origin query poses, every landmark. The
	// first six columns belong to the relative transform.
	columns := make([][]float64, 0, len(candStates)+len(queryStates)+len(landmarkStates))
	for _, ks := range candStates {
		columns = append(columns, ks.pose)
	}
	for _, ks := range queryStates[1:] {
		columns = append(columns, ks.pose)
	}
	for _, ls := range landmarkStates {
		columns = append(columns, ls.position)
	}
	eval, err := b.problem.Evaluate(ctx, solver.EvaluateOptions{
		ParameterBlocks: columns,
		ApplyLoss:       true,
		NumThreads:      o.cfg.NumThreads,
	})
	if err != nil {
		return result, errors.Wrap(err, "evaluating jacobian")
	}
	if eval.Jacobian == nil {
		logger.Warnw("no residuals, covariance unavailable")
		logger.Infow("local bundle adjustment done", summary.logFields()...)
		return result, nil
	}
	if err := o.sink.ReportJacobian(summary.RunID, eval.Jacobian); err != nil {
		logger.Warnw("result sink rejected jacobian", "error", err)
	}
	result.Covariance, err = topLeftCovariance(eval.Jacobian)
	if err != nil {
		return result, errors.Wrap(err, "estimating covariance")
	}
	if err := o.sink.ReportCovariance(summary.RunID, result.Covariance); err != nil {
		logger.Warnw("result sink rejected covariance", "error", err)
	}
	logger.Infow("local bundle adjustment done", summary.logFields()...)
	return result, nil
}
