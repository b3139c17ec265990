// Package manifold defines the update rules applied to parameter blocks while optimizing.
package manifold

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/spatialmath"
	"github.com/EmmanuelMess/covins/utils"
)

// Manifold is the local parameterization of a parameter block: the block lives in an ambient
// space of AmbientSize scalars and is updated through a tangent increment of TangentSize scalars.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x ⊞ delta into out. out may alias x.
	Plus(x, delta, out []float64)
}

// Euclidean is the identity parameterization of an n-vector.
type Euclidean int

// AmbientSize returns n.
func (e Euclidean) AmbientSize() int { return int(e) }

// TangentSize returns n.
func (e Euclidean) TangentSize() int { return int(e) }

// Plus adds delta to x.
func (e Euclidean) Plus(x, delta, out []float64) {
	for i := 0; i < int(e); i++ {
		out[i] = x[i] + delta[i]
	}
}

// PoseQuaternion parameterizes a pose buffer [qx qy qz qw tx ty tz] with a right-multiplied
// rotation increment and an additive translation increment [δθx δθy δθz δtx δty δtz].
type PoseQuaternion struct{}

// AmbientSize returns 7.
func (PoseQuaternion) AmbientSize() int { return spatialmath.PoseBufferSize }

// TangentSize returns 6.
func (PoseQuaternion) TangentSize() int { return 6 }

// Plus applies q ⊗ Exp(δθ) and t + δt.
func (PoseQuaternion) Plus(x, delta, out []float64) {
	q := quat.Number{Real: x[3], Imag: x[0], Jmag: x[1], Kmag: x[2]}
	dq := spatialmath.QuatExp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	q = spatialmath.Normalize(quat.Mul(q, dq))
	tx, ty, tz := x[4]+delta[3], x[5]+delta[4], x[6]+delta[5]
	out[0], out[1], out[2], out[3] = q.Imag, q.Jmag, q.Kmag, q.Real
	out[4], out[5], out[6] = tx, ty, tz
}

// YawAngle parameterizes a single yaw angle in degrees, wrapping the result into (-180, 180].
type YawAngle struct{}

// AmbientSize returns 1.
func (YawAngle) AmbientSize() int { return 1 }

// TangentSize returns 1.
func (YawAngle) TangentSize() int { return 1 }

// Plus adds the increment and wraps.
func (YawAngle) Plus(x, delta, out []float64) {
	out[0] = utils.NormalizeAngleDeg(x[0] + delta[0])
}
