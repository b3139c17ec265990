package optimization

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/config"
	"github.com/EmmanuelMess/covins/imu"
	"github.com/EmmanuelMess/covins/logging"
	"github.com/EmmanuelMess/covins/slam"
	"github.com/EmmanuelMess/covins/spatialmath"
)

const (
	imuSamples = 200
	imuDt      = 0.005
)

// sceneVelocity is the world velocity of the synthetic trajectory. Keyframes are one second
// (imuSamples*imuDt) apart.
var sceneVelocity = r3.Vector{X: 0.5, Y: 0.05}

// sceneYawRate is the rotation rate about the sensor y axis.
const sceneYawRate = 0.02

func newTestCamera() *camera.Model {
	return camera.NewPinhole(640, 480, 400, 400, 320, 240)
}

func newTestOptimizer(t *testing.T, mutate func(*config.Optimization), opts ...Option) *Optimizer {
	t.Helper()
	cfg := config.Default()
	cfg.NumThreads = 2
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return o
}

// truePose is the pose of keyframe i of the synthetic trajectory.
func truePose(i int) spatialmath.Pose {
	return spatialmath.NewPose(sceneVelocity.Mul(float64(i)), spatialmath.QuatExp(r3.Vector{Y: sceneYawRate * float64(i)}))
}

// scenePoints is a grid of points in front of every keyframe.
func scenePoints() []r3.Vector {
	var pts []r3.Vector
	for ix := 0; ix < 6; ix++ {
		for iy := 0; iy < 5; iy++ {
			pts = append(pts, r3.Vector{
				X: -1.5 + float64(ix),
				Y: -1 + 0.5*float64(iy),
				Z: 5 + float64((ix+iy)%3),
			})
		}
	}
	return pts
}

// observe projects a world point into a keyframe with pose twc of its camera.
func observe(cam *camera.Model, twc spatialmath.Pose, p r3.Vector) r2.Point {
	px, _, _ := cam.Project(spatialmath.PoseInverse(twc).TransformPoint(p))
	return px
}

type scene struct {
	m      *slam.Map
	cam    *camera.Model
	kfs    []*slam.Keyframe
	points []r3.Vector
	lms    []slam.LandmarkID
}

// newScene builds a map of numKF keyframes of agent 0 all observing every scene point, with
// noiseless keypoints and temporal links.
func newScene(t *testing.T, numKF int) *scene {
	t.Helper()
	s := &scene{m: slam.NewMap(0), cam: newTestCamera(), points: scenePoints()}
	for i := 0; i < numKF; i++ {
		pose := truePose(i)
		kps := make([]slam.Keypoint, len(s.points))
		for j, p := range s.points {
			kps[j] = slam.Keypoint{Pixel: observe(s.cam, pose, p)}
		}
		kf := slam.NewKeyframe(slam.KeyframeID{Frame: uint64(i)}, pose, spatialmath.NewZeroPose(), s.cam, kps)
		kf.Velocity = sceneVelocity
		if i > 0 {
			pred := slam.KeyframeID{Frame: uint64(i - 1)}
			kf.Predecessor = &pred
		}
		test.That(t, s.m.AddKeyframe(kf), test.ShouldBeNil)
		s.kfs = append(s.kfs, kf)
	}
	for i := 0; i+1 < numKF; i++ {
		succ := s.kfs[i+1].ID
		s.kfs[i].Successor = &succ
	}
	for j, p := range s.points {
		id := slam.LandmarkID{Frame: uint64(j)}
		test.That(t, s.m.AddLandmark(slam.NewLandmark(id, p)), test.ShouldBeNil)
		for _, kf := range s.kfs {
			test.That(t, s.m.AddObservation(id, kf.ID, j), test.ShouldBeNil)
		}
		s.lms = append(s.lms, id)
	}
	return s
}

// addIMU gives every non-root keyframe the inertial measurements of the true motion from its
// predecessor: constant velocity and a constant rotation rate.
func (s *scene) addIMU() {
	omega := r3.Vector{Y: sceneYawRate / (imuSamples * imuDt)}
	g := r3.Vector{Z: imu.DefaultNoiseParams().Gravity}
	for i, kf := range s.kfs {
		if i == 0 {
			continue
		}
		start := truePose(i - 1)
		meas := make([]imu.Measurement, 0, imuSamples)
		for k := 0; k < imuSamples; k++ {
			rot := quat.Mul(start.Rotation, spatialmath.QuatExp(omega.Mul(float64(k)*imuDt)))
			meas = append(meas, imu.Measurement{Dt: imuDt, Acc: spatialmath.RotatePoint(quat.Conj(rot), g), Gyro: omega})
		}
		kf.Preintegration = imu.New(meas, r3.Vector{}, r3.Vector{}, imu.DefaultNoiseParams())
	}
}

func (s *scene) landmark(t *testing.T, j int) *slam.Landmark {
	t.Helper()
	lm, ok := s.m.Landmark(s.lms[j])
	test.That(t, ok, test.ShouldBeTrue)
	return lm
}

// reprojectionNorm is the whitened reprojection error of keypoint feat of kf against lm.
func reprojectionNorm(kf *slam.Keyframe, feat int, lm *slam.Landmark) float64 {
	twc := spatialmath.Compose(kf.PoseWS, kf.Extrinsics)
	px := observe(kf.Camera, twc, lm.PosW)
	kp := kf.Keypoints[feat]
	return px.Sub(kp.Pixel).Norm() / kp.Sigma()
}

func perturb(p spatialmath.Pose, dt r3.Vector, dr r3.Vector) spatialmath.Pose {
	return spatialmath.NewPose(p.Translation.Add(dt), quat.Mul(p.Rotation, spatialmath.QuatExp(dr)))
}
