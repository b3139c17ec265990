// Package spatialmath defines rigid transforms and rotation helpers used by the optimizer.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/EmmanuelMess/covins/utils"
)

// PoseBufferSize is the length of a flat pose buffer: quaternion xyzw then translation xyz.
const PoseBufferSize = 7

// Pose is a rigid transform T_ab taking points expressed in frame b into frame a.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// NewPose returns a pose with the given translation and a normalized copy of the rotation.
func NewPose(translation r3.Vector, rotation quat.Number) Pose {
	return Pose{Rotation: Normalize(rotation), Translation: translation}
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: point}
}

func (p Pose) String() string {
	return fmt.Sprintf("{t: [%.4f %.4f %.4f], q(wxyz): [%.4f %.4f %.4f %.4f]}",
		p.Translation.X, p.Translation.Y, p.Translation.Z,
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag)
}

// Compose returns a·b.
func Compose(a, b Pose) Pose {
	return Pose{
		Rotation:    Normalize(quat.Mul(a.Rotation, b.Rotation)),
		Translation: a.Translation.Add(RotatePoint(a.Rotation, b.Translation)),
	}
}

// PoseInverse returns the inverse transform.
func PoseInverse(p Pose) Pose {
	inv := quat.Conj(p.Rotation)
	return Pose{Rotation: inv, Translation: RotatePoint(inv, p.Translation).Mul(-1)}
}

// PoseBetween returns the relative pose a⁻¹·b, i.e. b expressed in the frame of a.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// TransformPoint maps a point from the pose's child frame into its parent frame.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return RotatePoint(p.Rotation, v).Add(p.Translation)
}

// PoseAlmostEqual compares rotation (up to quaternion sign) and translation within epsilon.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	return QuaternionAlmostEqual(a.Rotation, b.Rotation, epsilon) &&
		utils.Float64AlmostEqual(a.Translation.X, b.Translation.X, epsilon) &&
		utils.Float64AlmostEqual(a.Translation.Y, b.Translation.Y, epsilon) &&
		utils.Float64AlmostEqual(a.Translation.Z, b.Translation.Z, epsilon)
}

// ToBuffer writes the pose into a flat buffer of PoseBufferSize elements.
func ToBuffer(p Pose, buf []float64) {
	buf[0] = p.Rotation.Imag
	buf[1] = p.Rotation.Jmag
	buf[2] = p.Rotation.Kmag
	buf[3] = p.Rotation.Real
	buf[4] = p.Translation.X
	buf[5] = p.Translation.Y
	buf[6] = p.Translation.Z
}

// NewPoseBuffer allocates a flat buffer holding p.
func NewPoseBuffer(p Pose) []float64 {
	buf := make([]float64, PoseBufferSize)
	ToBuffer(p, buf)
	return buf
}

// FromBuffer decodes a flat pose buffer, normalizing the quaternion.
func FromBuffer(buf []float64) Pose {
	return Pose{
		Rotation:    Normalize(quat.Number{Real: buf[3], Imag: buf[0], Jmag: buf[1], Kmag: buf[2]}),
		Translation: r3.Vector{X: buf[4], Y: buf[5], Z: buf[6]},
	}
}

// TranslationDistance is the euclidean distance between the translations of two poses.
func TranslationDistance(a, b Pose) float64 {
	return a.Translation.Sub(b.Translation).Norm()
}

// RotationAngle returns the angle in radians of the rotation between two poses.
func RotationAngle(a, b Pose) float64 {
	return QuatLog(quat.Mul(quat.Conj(a.Rotation), b.Rotation)).Norm()
}

// IsFinite reports whether every component of the pose is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
		p.Translation.X, p.Translation.Y, p.Translation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
