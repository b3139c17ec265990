package optimization

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/config"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/spatialmath"
)

func visualOnly(o *Optimizer) GBAOptions {
	opts := o.DefaultGBAOptions()
	opts.VisualOnly = true
	return opts
}

func TestGlobalBundleAdjustmentConverges(t *testing.T) {
	s := newScene(t, 4)
	o := newTestOptimizer(t, nil)

	anchorBefore := s.kfs[0].PoseWS
	for i, kf := range s.kfs[1:] {
		kf.SetPose(perturb(kf.PoseWS, r3.Vector{X: 0.02, Z: -0.01 * float64(i)}, r3.Vector{Z: 0.005}))
	}
	for j := range s.points {
		lm := s.landmark(t, j)
		lm.SetPosition(lm.PosW.Add(r3.Vector{Y: 0.03}))
	}

	opts := visualOnly(o)
	opts.RemoveOutliers = false
	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Procedure, test.ShouldEqual, ProcedureGBA)
	test.That(t, summary.RunID, test.ShouldNotBeEmpty)
	test.That(t, summary.Solve.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, summary.Solve.FinalCost, test.ShouldBeLessThan, summary.Solve.InitialCost)
	test.That(t, summary.KeyframesIncluded, test.ShouldEqual, 4)
	test.That(t, summary.KeyframesHeld, test.ShouldEqual, 1)
	test.That(t, summary.LandmarksIncluded, test.ShouldEqual, len(s.points))
	test.That(t, summary.IMUEdges, test.ShouldEqual, 0)

	test.That(t, s.kfs[0].PoseWS, test.ShouldResemble, anchorBefore)
	for _, kf := range s.kfs {
		test.That(t, kf.GBAOptimized, test.ShouldBeTrue)
	}
	test.That(t, s.kfs[0].PoseOptimized, test.ShouldBeFalse)
	test.That(t, s.kfs[1].PoseOptimized, test.ShouldBeTrue)
	for j := range s.points {
		lm := s.landmark(t, j)
		test.That(t, lm.GBAOptimized, test.ShouldBeTrue)
		test.That(t, lm.Optimized, test.ShouldBeTrue)
	}
}

func TestGlobalBundleAdjustmentRemovesOutliers(t *testing.T) {
	s := newScene(t, 4)
	o := newTestOptimizer(t, nil)

	const corrupted = 7
	kf := s.kfs[2]
	kf.Keypoints[corrupted].Pixel = kf.Keypoints[corrupted].Pixel.Add(r2.Point{X: 60})
	lmID := s.lms[corrupted]

	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, visualOnly(o))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.ObservationsRemoved, test.ShouldEqual, 1)
	test.That(t, summary.OutlierResiduals, test.ShouldNotBeNil)
	test.That(t, summary.OutlierResiduals.Count, test.ShouldEqual, 4*len(s.points))
	test.That(t, summary.OutlierResiduals.Max, test.ShouldBeGreaterThan, o.Config().ThGBAOutlierGlobal)
	test.That(t, summary.OutlierSolve, test.ShouldNotBeNil)

	test.That(t, kf.LandmarkAt(corrupted), test.ShouldResemble, slam.NoLandmark)
	lm, ok := s.m.Landmark(lmID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lm.FeatureIndex(kf.ID), test.ShouldEqual, -1)
	test.That(t, lm.NumObservations(), test.ShouldEqual, 3)

	for _, lm := range s.m.Landmarks() {
		for _, obs := range lm.Observations() {
			observer, ok := s.m.Keyframe(obs.Keyframe)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, reprojectionNorm(observer, obs.Feature, lm), test.ShouldBeLessThanOrEqualTo, o.Config().ThGBAOutlierGlobal)
		}
	}
}

func TestGlobalBundleAdjustmentExcludesUnderObservedLandmarks(t *testing.T) {
	s := newScene(t, 3)
	o := newTestOptimizer(t, nil)

	lonelyID := slam.LandmarkID{Frame: 1000}
	lonelyPos := r3.Vector{X: 0.3, Y: 0.1, Z: 6}
	test.That(t, s.m.AddLandmark(slam.NewLandmark(lonelyID, lonelyPos)), test.ShouldBeNil)
	kf := s.kfs[1]
	// a keypoint that disagrees with the landmark, so it would move if it were optimized
	kf.Keypoints = append(kf.Keypoints, slam.Keypoint{Pixel: r2.Point{X: 100, Y: 100}})
	test.That(t, s.m.AddObservation(lonelyID, kf.ID, len(kf.Keypoints)-1), test.ShouldBeNil)

	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, visualOnly(o))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.LandmarksExcluded, test.ShouldBeGreaterThanOrEqualTo, 1)

	lonely, ok := s.m.Landmark(lonelyID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, lonely.PosW, test.ShouldResemble, lonelyPos)
	test.That(t, lonely.GBAOptimized, test.ShouldBeFalse)
}

func TestGlobalBundleAdjustmentUnknownCamera(t *testing.T) {
	s := newScene(t, 2)
	o := newTestOptimizer(t, nil)
	s.kfs[1].Camera = &camera.Model{}

	_, err := o.GlobalBundleAdjustment(context.Background(), s.m, visualOnly(o))
	test.That(t, err, test.ShouldNotBeNil)
	var unknown *camera.UnknownProjectionError
	test.That(t, errors.As(err, &unknown), test.ShouldBeTrue)
}

func TestGlobalBundleAdjustmentStructuralErrors(t *testing.T) {
	t.Run("missing predecessor", func(t *testing.T) {
		s := newScene(t, 3)
		o := newTestOptimizer(t, nil)
		s.kfs[2].Predecessor = nil

		opts := o.DefaultGBAOptions()
		opts.VisualOnly = false
		_, err := o.GlobalBundleAdjustment(context.Background(), s.m, opts)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, IsStructuralError(err, MissingPredecessor), test.ShouldBeTrue)

		var structural *StructuralError
		test.That(t, errors.As(err, &structural), test.ShouldBeTrue)
		test.That(t, structural.Keyframe, test.ShouldResemble, s.kfs[2].ID)
	})

	t.Run("invalid predecessor", func(t *testing.T) {
		s := newScene(t, 3)
		o := newTestOptimizer(t, nil)
		s.kfs[1].Invalid = true

		opts := o.DefaultGBAOptions()
		opts.VisualOnly = false
		_, err := o.GlobalBundleAdjustment(context.Background(), s.m, opts)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, IsStructuralError(err, InvalidPredecessor), test.ShouldBeTrue)
		test.That(t, IsStructuralError(err, MissingPredecessor), test.ShouldBeFalse)
	})

	t.Run("visual only ignores temporal links", func(t *testing.T) {
		s := newScene(t, 3)
		o := newTestOptimizer(t, nil)
		s.kfs[2].Predecessor = nil

		_, err := o.GlobalBundleAdjustment(context.Background(), s.m, visualOnly(o))
		test.That(t, err, test.ShouldBeNil)
	})
}

func TestGlobalBundleAdjustmentVisualInertial(t *testing.T) {
	s := newScene(t, 3)
	s.addIMU()
	o := newTestOptimizer(t, nil)

	before := make([]spatialmath.Pose, len(s.kfs))
	for i, kf := range s.kfs {
		before[i] = kf.PoseWS
	}

	opts := o.DefaultGBAOptions()
	opts.VisualOnly = false
	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.IMUEdges, test.ShouldEqual, 2)
	test.That(t, summary.Solve.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, summary.Solve.FinalCost, test.ShouldBeLessThan, 1e-6)

	test.That(t, s.kfs[0].PoseWS, test.ShouldResemble, before[0])
	for i, kf := range s.kfs {
		test.That(t, spatialmath.PoseAlmostEqual(kf.PoseWS, before[i], 1e-6), test.ShouldBeTrue)
		test.That(t, kf.Velocity.Sub(sceneVelocity).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestGlobalBundleAdjustmentLoadedMapsHeld(t *testing.T) {
	s := newScene(t, 3)
	o := newTestOptimizer(t, func(c *config.Optimization) { c.GBAFixPosesLoadedMaps = true })
	s.kfs[1].Loaded = true
	loadedPose := perturb(s.kfs[1].PoseWS, r3.Vector{X: 0.01}, r3.Vector{})
	s.kfs[1].SetPose(loadedPose)

	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, visualOnly(o))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.KeyframesHeld, test.ShouldEqual, 2)
	test.That(t, s.kfs[1].PoseWS, test.ShouldResemble, loadedPose)
}

func TestGlobalBundleAdjustmentCanceled(t *testing.T) {
	s := newScene(t, 3)
	o := newTestOptimizer(t, nil)
	s.kfs[2].SetPose(perturb(s.kfs[2].PoseWS, r3.Vector{X: 0.05}, r3.Vector{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.GlobalBundleAdjustment(ctx, s.m, visualOnly(o))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGlobalBundleAdjustmentUsesInjectedClock(t *testing.T) {
	s := newScene(t, 3)
	mock := clock.NewMock()
	o := newTestOptimizer(t, nil, WithClock(mock))
	s.kfs[2].SetPose(perturb(s.kfs[2].PoseWS, r3.Vector{X: 0.05}, r3.Vector{}))

	opts := visualOnly(o)
	opts.MaxTime = time.Second
	summary, err := o.GlobalBundleAdjustment(context.Background(), s.m, opts)
	test.That(t, err, test.ShouldBeNil)
	// the mock never advances, so the budget is never hit
	test.That(t, summary.Solve.WallTime, test.ShouldEqual, time.Duration(0))
	test.That(t, summary.Solve.Message, test.ShouldNotContainSubstring, "time")
}
