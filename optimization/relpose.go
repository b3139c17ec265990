package optimization

import (
	"context"

	"github.com/pkg/errors"

	"github.com/EmmanuelMess/covins/factor"
	"github.com/EmmanuelMess/covins/manifold"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/solver"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// correspondence is one usable match with its two residual blocks.
type correspondence struct {
	slot     int
	forward  solver.ResidualBlockID
	backward solver.ResidualBlockID
}

// OptimizeRelativePose refines T12, the sensor frame of kf2 in the sensor frame of kf1, from
// landmark correspondences. matches is aligned with the keypoints of kf1: matches[i] is the
// landmark of kf2's map matched to the landmark observed by keypoint i of kf1, or
// slam.NoLandmark. Outlier matches are reset to slam.NoLandmark in place.
//
// The returned count is the number of inlier correspondences, or 0 when fewer than
// relpose_min_inliers survive. The returned transform is only meaningful for a non-zero count.
// A threshold <= 0 selects th_outlier_align.
func (o *Optimizer) OptimizeRelativePose(
	ctx context.Context,
	m Map,
	kf1, kf2 *slam.Keyframe,
	matches []slam.LandmarkID,
	t12 spatialmath.Pose,
	threshold float64,
) (int, spatialmath.Pose, error) {
	summary := newSummary(ProcedureRelPose)
	logger := o.logger.Sublogger(string(ProcedureRelPose)).With("run", summary.RunID)
	if threshold <= 0 {
		threshold = o.cfg.ThOutlierAlign
	}

	problem := solver.NewProblem()
	relative := spatialmath.NewPoseBuffer(t12)
	if err := problem.AddParameterBlock(relative, manifold.PoseQuaternion{}); err != nil {
		return 0, t12, err
	}

	// camera frame of each keyframe in world coordinates
	twc1 := spatialmath.Compose(kf1.PoseWS, kf1.Extrinsics)
	twc2 := spatialmath.Compose(kf2.PoseWS, kf2.Extrinsics)
	tcw1, tcw2 := spatialmath.PoseInverse(twc1), spatialmath.PoseInverse(twc2)
	loss := factor.NewCauchyLoss(o.cfg.CauchyLossScale)

	var corrs []correspondence
	for i, matchID := range matches {
		if !matchID.Valid() {
			continue
		}
		lm1, ok := m.Landmark(kf1.LandmarkAt(i))
		if !ok || lm1.Invalid {
			continue
		}
		lm2, ok := m.Landmark(matchID)
		if !ok || lm2.Invalid {
			continue
		}
		feat2 := lm2.FeatureIndex(kf2.ID)
		kp2, ok := keypoint(kf2.Keypoints, feat2)
		if !ok {
			continue
		}
		kp1, ok := keypoint(kf1.Keypoints, i)
		if !ok {
			continue
		}
		p1 := tcw1.TransformPoint(lm1.PosW)
		p2 := tcw2.TransformPoint(lm2.PosW)

		forwardCost, err := newRelativeFactor(kf1, kp1, p2, kf2, factor.Normal)
		if err != nil {
			return 0, t12, err
		}
		backwardCost, err := newRelativeFactor(kf2, kp2, p1, kf1, factor.Inverse)
		if err != nil {
			return 0, t12, err
		}
		forward, err := problem.AddResidualBlock(forwardCost, loss, relative)
		if err != nil {
			return 0, t12, err
		}
		backward, err := problem.AddResidualBlock(backwardCost, loss, relative)
		if err != nil {
			return 0, t12, err
		}
		corrs = append(corrs, correspondence{slot: i, forward: forward, backward: backward})
	}

	if len(corrs) < o.cfg.RelPoseMinInliers {
		logger.CDebugw(ctx, "too few correspondences", "correspondences", len(corrs))
		return 0, t12, nil
	}

	solveOpts := o.solverOptions(logger, o.cfg.RelPoseIterationLimit, 0, solver.DenseSchur)
	var err error
	summary.Solve, err = solver.Solve(ctx, problem, solveOpts)
	if err != nil {
		return 0, t12, errors.Wrap(err, "relative pose")
	}

	forwardIDs := make([]solver.ResidualBlockID, len(corrs))
	backwardIDs := make([]solver.ResidualBlockID, len(corrs))
	for i, c := range corrs {
		forwardIDs[i], backwardIDs[i] = c.forward, c.backward
	}
	forwardNorms, err := residualNorms(problem, forwardIDs)
	if err != nil {
		return 0, t12, err
	}
	backwardNorms, err := residualNorms(problem, backwardIDs)
	if err != nil {
		return 0, t12, err
	}
	rs := summarizeNorms(append(append([]float64{}, forwardNorms...), backwardNorms...))
	summary.OutlierResiduals = &rs

	inliers := len(corrs)
	for i, c := range corrs {
		if forwardNorms[i] <= threshold && backwardNorms[i] <= threshold {
			continue
		}
		if err := problem.RemoveResidualBlock(c.forward); err != nil {
			return 0, t12, err
		}
		if err := problem.RemoveResidualBlock(c.backward); err != nil {
			return 0, t12, err
		}
		matches[c.slot] = slam.NoLandmark
		inliers--
	}
	summary.Inliers = inliers
	summary.ObservationsRemoved = len(corrs) - inliers

	if inliers < o.cfg.RelPoseMinInliers {
		logger.CDebugw(ctx, "too few inliers", summary.logFields()...)
		return 0, t12, nil
	}

	summary.Solve, err = solver.Solve(ctx, problem, solveOpts)
	if err != nil {
		return 0, t12, errors.Wrap(err, "relative pose")
	}
	logger.CDebugw(ctx, "relative pose done", summary.logFields()...)
	return inliers, spatialmath.FromBuffer(relative), nil
}
