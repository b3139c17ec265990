package camera

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// NoDistortionType leaves normalized coordinates untouched.
	NoDistortionType = DistortionType("none")
	// EquidistantDistortionType is the Kannala-Brandt model for wide-angle lenses.
	EquidistantDistortionType = DistortionType("equidistant")
	// RadTanDistortionType is the radial-tangential (plumb bob) model.
	RadTanDistortionType = DistortionType("radtan")
	// FisheyeDistortionType is the single-parameter field-of-view model.
	FisheyeDistortionType = DistortionType("fisheye")
)

// Distorter maps undistorted normalized image coordinates to distorted ones. The parameter
// buffer is passed explicitly so an optimizer can evaluate the model at trial parameters.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	// Parameters returns the live parameter buffer owned by the model.
	Parameters() []float64
	// Distort returns the distorted point and the row-major 2x2 Jacobian d(xd, yd)/d(x, y).
	Distort(x, y float64, params []float64) (float64, float64, [4]float64)
}

// ErrInvalidParameters is when a camera parameter buffer is malformed.
var ErrInvalidParameters = errors.New("invalid camera parameters")

// InvalidParametersError is used when the distortion or intrinsic parameters are invalid.
func InvalidParametersError(msg string) error {
	return errors.Wrap(ErrInvalidParameters, msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters. The
// parameters are copied into a buffer owned by the returned model.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	var d Distorter
	switch distortionType {
	case NoDistortionType, "":
		d = &noDistortion{}
	case RadTanDistortionType:
		d = &RadTan{params: append([]float64(nil), parameters...)}
	case EquidistantDistortionType:
		d = &Equidistant{params: append([]float64(nil), parameters...)}
	case FisheyeDistortionType:
		d = &Fisheye{params: append([]float64(nil), parameters...)}
	default:
		return nil, &UnknownDistortionError{Type: distortionType}
	}
	if err := d.CheckValid(); err != nil {
		return nil, err
	}
	return d, nil
}

func checkBuffer(what string, params []float64, size int) error {
	if len(params) != size {
		return InvalidParametersError(fmt.Sprintf("%s expects %d parameters, got %d", what, size, len(params)))
	}
	for _, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidParametersError(what + " parameters must be finite")
		}
	}
	return nil
}

type noDistortion struct{}

func (nd *noDistortion) ModelType() DistortionType { return NoDistortionType }

func (nd *noDistortion) CheckValid() error { return nil }

func (nd *noDistortion) Parameters() []float64 { return nil }

func (nd *noDistortion) Distort(x, y float64, _ []float64) (float64, float64, [4]float64) {
	return x, y, [4]float64{1, 0, 0, 1}
}

// Undistort inverts a distortion model with Newton-Raphson iterations, starting from the
// distorted point.
func Undistort(d Distorter, xd, yd float64) (float64, float64) {
	xu, yu := xd, yd

	const maxIterations = 20
	const tolerance = 1e-10

	params := d.Parameters()
	for i := 0; i < maxIterations; i++ {
		xdEst, ydEst, jac := d.Distort(xu, yu, params)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		det := jac[0]*jac[3] - jac[1]*jac[2]
		if det == 0 {
			break
		}
		// [xu, yu] -= J^-1 * [errX, errY]
		xu -= (jac[3]*errX - jac[1]*errY) / det
		yu -= (-jac[2]*errX + jac[0]*errY) / det
	}
	return xu, yu
}
