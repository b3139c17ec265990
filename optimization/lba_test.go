package optimization

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/spatialmath"
)

type recordingSink struct {
	runs        []string
	jacobians   []mat.Matrix
	covariances []mat.Symmetric
}

func (rs *recordingSink) ReportJacobian(runID string, jacobian mat.Matrix) error {
	rs.runs = append(rs.runs, runID)
	rs.jacobians = append(rs.jacobians, jacobian)
	return nil
}

func (rs *recordingSink) ReportCovariance(runID string, covariance mat.Symmetric) error {
	rs.runs = append(rs.runs, runID)
	rs.covariances = append(rs.covariances, covariance)
	return nil
}

// newLBAInput builds a query window of agent 1 and a candidate window of agent 2 along the
// synthetic trajectory. Every local landmark is seen by all four keyframes.
func newLBAInput(t *testing.T) (LBAInput, spatialmath.Pose) {
	t.Helper()
	cam := newTestCamera()
	points := scenePoints()

	newKeyframe := func(agent uint32, frame int, i int) *slam.Keyframe {
		pose := truePose(i)
		kf := slam.NewKeyframe(slam.KeyframeID{Frame: uint64(frame), Agent: agent}, pose, spatialmath.NewZeroPose(), cam, nil)
		for _, p := range points {
			kf.AdditionalKeypoints = append(kf.AdditionalKeypoints, slam.Keypoint{Pixel: observe(cam, pose, p)})
		}
		return kf
	}
	in := LBAInput{
		Query:     []*slam.Keyframe{newKeyframe(1, 0, 0), newKeyframe(1, 1, 1)},
		Candidate: []*slam.Keyframe{newKeyframe(2, 0, 2), newKeyframe(2, 1, 3)},
	}
	// Query[0] sits at the world origin, so local and world coordinates agree
	all := append(append([]*slam.Keyframe{}, in.Query...), in.Candidate...)
	for j, p := range points {
		llm := &slam.LocalLandmark{PosLocal: p}
		for _, kf := range all {
			llm.Observations = append(llm.Observations, slam.LocalObservation{Keyframe: kf, Feature: j})
		}
		in.Landmarks = append(in.Landmarks, llm)
	}
	truth := spatialmath.PoseBetween(in.Query[0].PoseWS, in.Candidate[0].PoseWS)
	return in, truth
}

func TestLocalBundleAdjustmentRecoversTransform(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOptimizer(t, nil, WithResultSink(sink))
	in, truth := newLBAInput(t)
	in.TQueryCandidate = perturb(truth, r3.Vector{X: 0.03, Z: -0.02}, r3.Vector{Y: 0.01})
	queryPose := in.Query[1].PoseWS

	result, err := o.LocalBundleAdjustment(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Summary.Procedure, test.ShouldEqual, ProcedureLBA)
	test.That(t, result.Summary.KeyframesIncluded, test.ShouldEqual, 4)
	test.That(t, result.Summary.LandmarksIncluded, test.ShouldEqual, len(in.Landmarks))
	test.That(t, result.Summary.SequentialEdges, test.ShouldEqual, 2)
	test.That(t, spatialmath.TranslationDistance(result.Transform, truth), test.ShouldBeLessThan, 1e-3)
	test.That(t, spatialmath.RotationAngle(result.Transform, truth), test.ShouldBeLessThan, 1e-3)

	test.That(t, result.Covariance, test.ShouldNotBeNil)
	r, c := result.Covariance.Dims()
	test.That(t, r, test.ShouldEqual, 6)
	test.That(t, c, test.ShouldEqual, 6)
	for i := 0; i < 6; i++ {
		test.That(t, result.Covariance.At(i, i), test.ShouldBeGreaterThanOrEqualTo, 0)
		for j := 0; j < 6; j++ {
			test.That(t, result.Covariance.At(i, j), test.ShouldAlmostEqual, result.Covariance.At(j, i))
		}
	}

	test.That(t, sink.jacobians, test.ShouldHaveLength, 1)
	test.That(t, sink.covariances, test.ShouldHaveLength, 1)
	test.That(t, sink.runs, test.ShouldResemble, []string{result.Summary.RunID, result.Summary.RunID})
	_, cols := sink.jacobians[0].Dims()
	// three free poses and the landmarks
	test.That(t, cols, test.ShouldEqual, 3*6+3*len(in.Landmarks))

	// keyframes are not touched
	test.That(t, in.Query[1].PoseWS, test.ShouldResemble, queryPose)
}

func TestLocalBundleAdjustmentExcludesUnderObservedLandmarks(t *testing.T) {
	o := newTestOptimizer(t, nil)
	in, truth := newLBAInput(t)
	in.TQueryCandidate = truth
	lonely := &slam.LocalLandmark{
		PosLocal:     r3.Vector{Z: 4},
		Observations: []slam.LocalObservation{{Keyframe: in.Query[1], Feature: 0}},
	}
	in.Landmarks = append(in.Landmarks, lonely)

	result, err := o.LocalBundleAdjustment(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Summary.LandmarksExcluded, test.ShouldEqual, 1)
	test.That(t, lonely.PosLocal, test.ShouldResemble, r3.Vector{Z: 4})
}

func TestLocalBundleAdjustmentRejectsBadWindows(t *testing.T) {
	o := newTestOptimizer(t, nil)

	t.Run("empty", func(t *testing.T) {
		in, _ := newLBAInput(t)
		in.Candidate = nil
		_, err := o.LocalBundleAdjustment(context.Background(), in)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, IsStructuralError(err, MissingKeyframe), test.ShouldBeTrue)
	})

	t.Run("keyframe in both windows", func(t *testing.T) {
		in, _ := newLBAInput(t)
		in.Candidate = append(in.Candidate, in.Query[1])
		_, err := o.LocalBundleAdjustment(context.Background(), in)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, IsStructuralError(err, MissingKeyframe), test.ShouldBeTrue)
	})
}

func TestLocalBundleAdjustmentWithoutLandmarks(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOptimizer(t, nil, WithResultSink(sink))
	in, truth := newLBAInput(t)
	in.Landmarks = nil
	in.Query = in.Query[:1]
	in.Candidate = in.Candidate[:1]
	in.TQueryCandidate = truth

	result, err := o.LocalBundleAdjustment(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Covariance, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(result.Transform, truth, 1e-12), test.ShouldBeTrue)
	test.That(t, sink.jacobians, test.ShouldBeEmpty)
}
