package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/utils"
)

// YPR holds yaw, pitch and roll in degrees for the Z·Y·X convention R = Rz(yaw)·Ry(pitch)·Rx(roll).
type YPR struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// RotationMatrixToYPR extracts yaw, pitch and roll in degrees from a rotation matrix.
func RotationMatrixToYPR(r mat.Matrix) YPR {
	nx, ny, nz := r.At(0, 0), r.At(1, 0), r.At(2, 0)
	ox, oy := r.At(0, 1), r.At(1, 1)
	ax, ay := r.At(0, 2), r.At(1, 2)

	y := math.Atan2(ny, nx)
	p := math.Atan2(-nz, nx*math.Cos(y)+ny*math.Sin(y))
	rr := math.Atan2(ax*math.Sin(y)-ay*math.Cos(y), -ox*math.Sin(y)+oy*math.Cos(y))
	return YPR{Yaw: utils.RadToDeg(y), Pitch: utils.RadToDeg(p), Roll: utils.RadToDeg(rr)}
}

// QuatToYPR converts a unit quaternion to yaw, pitch and roll in degrees.
func QuatToYPR(q quat.Number) YPR {
	return RotationMatrixToYPR(RotationMatrix(q))
}

// YPRToRotationMatrix builds Rz(yaw)·Ry(pitch)·Rx(roll) from angles in degrees.
func YPRToRotationMatrix(ypr YPR) *mat.Dense {
	y, p, r := utils.DegToRad(ypr.Yaw), utils.DegToRad(ypr.Pitch), utils.DegToRad(ypr.Roll)
	rz := mat.NewDense(3, 3, []float64{
		math.Cos(y), -math.Sin(y), 0,
		math.Sin(y), math.Cos(y), 0,
		0, 0, 1,
	})
	ry := mat.NewDense(3, 3, []float64{
		math.Cos(p), 0, math.Sin(p),
		0, 1, 0,
		-math.Sin(p), 0, math.Cos(p),
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(r), -math.Sin(r),
		0, math.Sin(r), math.Cos(r),
	})
	var out mat.Dense
	out.Mul(rz, ry)
	out.Mul(&out, rx)
	return &out
}

// YPRToQuat builds the unit quaternion of Rz(yaw)·Ry(pitch)·Rx(roll) with a non-negative
// scalar part.
func YPRToQuat(ypr YPR) quat.Number {
	hy := utils.DegToRad(ypr.Yaw) / 2
	hp := utils.DegToRad(ypr.Pitch) / 2
	hr := utils.DegToRad(ypr.Roll) / 2
	qz := quat.Number{Real: math.Cos(hy), Kmag: math.Sin(hy)}
	qy := quat.Number{Real: math.Cos(hp), Jmag: math.Sin(hp)}
	qx := quat.Number{Real: math.Cos(hr), Imag: math.Sin(hr)}
	q := quat.Mul(quat.Mul(qz, qy), qx)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Normalize(q)
}
