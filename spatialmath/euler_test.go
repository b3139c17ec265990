package spatialmath

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestYPRRoundTrip(t *testing.T) {
	for _, ypr := range []YPR{
		{Yaw: 0, Pitch: 0, Roll: 0},
		{Yaw: 45, Pitch: 10, Roll: -5},
		{Yaw: -170, Pitch: -30, Roll: 60},
		{Yaw: 179, Pitch: 1, Roll: 179},
	} {
		q := YPRToQuat(ypr)
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0)
		back := QuatToYPR(q)
		test.That(t, back.Yaw, test.ShouldAlmostEqual, ypr.Yaw, 1e-9)
		test.That(t, back.Pitch, test.ShouldAlmostEqual, ypr.Pitch, 1e-9)
		test.That(t, back.Roll, test.ShouldAlmostEqual, ypr.Roll, 1e-9)

		fromMatrix := QuatFromRotationMatrix(YPRToRotationMatrix(ypr))
		test.That(t, QuaternionAlmostEqual(fromMatrix, q, 1e-9), test.ShouldBeTrue)
	}
}

func TestYawOnlyRotation(t *testing.T) {
	r := YPRToRotationMatrix(YPR{Yaw: 90})
	want := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	test.That(t, mat.EqualApprox(r, want, 1e-12), test.ShouldBeTrue)
}
