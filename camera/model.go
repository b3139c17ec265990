// Package camera implements the projection models used to build reprojection residuals:
// pinhole and unified projections crossed with equidistant, radial-tangential and fisheye
// distortions.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ProjectionType is the name of the projection family.
type ProjectionType string

const (
	// PinholeProjectionType projects through the plane z=1.
	PinholeProjectionType = ProjectionType("pinhole")
	// UnifiedProjectionType projects through a unit sphere offset by xi along the optical axis.
	UnifiedProjectionType = ProjectionType("unified")
)

// minDepth is the smallest denominator accepted when projecting a point.
const minDepth = 1e-6

// IntrinsicsSize returns the intrinsic buffer length of a projection family, or -1 if unknown.
func IntrinsicsSize(t ProjectionType) int {
	switch t {
	case PinholeProjectionType:
		return 4
	case UnifiedProjectionType:
		return 5
	default:
		return -1
	}
}

// Config is the serialized description of a camera.
type Config struct {
	Width            int       `json:"width" yaml:"width"`
	Height           int       `json:"height" yaml:"height"`
	Projection       string    `json:"projection" yaml:"projection"`
	Intrinsics       []float64 `json:"intrinsics" yaml:"intrinsics"`
	Distortion       string    `json:"distortion" yaml:"distortion"`
	DistortionParams []float64 `json:"distortion_parameters" yaml:"distortion_parameters"`
}

// Jacobian23 is a row-major 2x3 Jacobian of a pixel with respect to a camera frame point.
type Jacobian23 [6]float64

// Model is a calibrated camera: a projection family with its intrinsics plus a distortion model.
// Intrinsics are [fx fy cx cy] for pinhole and [xi fx fy cx cy] for unified.
type Model struct {
	Width  int
	Height int

	projection ProjectionType
	intrinsics []float64
	distortion Distorter
}

// NewModel builds a camera from its configuration. Unknown projection or distortion families
// are reported as *UnknownProjectionError or *UnknownDistortionError.
func NewModel(cfg Config) (*Model, error) {
	projection := ProjectionType(cfg.Projection)
	size := IntrinsicsSize(projection)
	if size < 0 {
		return nil, &UnknownProjectionError{Type: projection}
	}
	distortion, err := NewDistorter(DistortionType(cfg.Distortion), cfg.DistortionParams)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Width:      cfg.Width,
		Height:     cfg.Height,
		projection: projection,
		intrinsics: append([]float64(nil), cfg.Intrinsics...),
		distortion: distortion,
	}
	if err := m.CheckValid(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewPinhole is a convenience constructor for an undistorted pinhole camera.
func NewPinhole(width, height int, fx, fy, cx, cy float64) *Model {
	return &Model{
		Width:      width,
		Height:     height,
		projection: PinholeProjectionType,
		intrinsics: []float64{fx, fy, cx, cy},
		distortion: &noDistortion{},
	}
}

// WithDistortion returns a copy of the model using the given distortion.
func (m *Model) WithDistortion(d Distorter) *Model {
	return &Model{
		Width:      m.Width,
		Height:     m.Height,
		projection: m.projection,
		intrinsics: append([]float64(nil), m.intrinsics...),
		distortion: d,
	}
}

// CheckValid checks the intrinsics and the distortion model.
func (m *Model) CheckValid() error {
	if m == nil {
		return InvalidParametersError("camera model not provided")
	}
	var err error
	if m.Width < 0 || m.Height < 0 {
		err = multierr.Append(err, InvalidParametersError("image size must be non-negative"))
	}
	if e := checkBuffer(string(m.projection)+" intrinsics", m.intrinsics, IntrinsicsSize(m.projection)); e != nil {
		err = multierr.Append(err, e)
	} else {
		fx, fy := m.focal(m.intrinsics)
		if fx <= 0 || fy <= 0 {
			err = multierr.Append(err, InvalidParametersError("focal lengths must be positive"))
		}
	}
	if m.distortion == nil {
		return multierr.Append(err, InvalidParametersError("distortion model not provided"))
	}
	return multierr.Append(err, m.distortion.CheckValid())
}

// ProjectionType returns the projection family tag.
func (m *Model) ProjectionType() ProjectionType {
	return m.projection
}

// DistortionType returns the distortion family tag.
func (m *Model) DistortionType() DistortionType {
	return m.distortion.ModelType()
}

// Distorter returns the distortion model.
func (m *Model) Distorter() Distorter {
	return m.distortion
}

// IntrinsicsBuffer returns the live intrinsic parameter buffer.
func (m *Model) IntrinsicsBuffer() []float64 {
	return m.intrinsics
}

// DistortionBuffer returns the live distortion parameter buffer.
func (m *Model) DistortionBuffer() []float64 {
	return m.distortion.Parameters()
}

func (m *Model) focal(intr []float64) (float64, float64) {
	if m.projection == UnifiedProjectionType {
		return intr[1], intr[2]
	}
	return intr[0], intr[1]
}

// Project maps a point in the camera frame to a pixel using the live parameter buffers.
func (m *Model) Project(p r3.Vector) (r2.Point, Jacobian23, bool) {
	return m.ProjectWithParams(p, m.intrinsics, m.distortion.Parameters())
}

// ProjectWithParams maps a point in the camera frame to a pixel using trial parameter buffers.
// The returned flag is false when the point cannot be projected (behind the camera).
func (m *Model) ProjectWithParams(p r3.Vector, intr, dist []float64) (r2.Point, Jacobian23, bool) {
	var (
		x, y float64
		// normalized coordinates with respect to the point, row-major 2x3
		jn    [6]float64
		valid = true
		fx    float64
		fy    float64
		cx    float64
		cy    float64
	)
	switch m.projection {
	case UnifiedProjectionType:
		xi := intr[0]
		fx, fy, cx, cy = intr[1], intr[2], intr[3], intr[4]
		d := p.Norm()
		den := p.Z + xi*d
		if den <= minDepth || d == 0 {
			valid = false
			den = math.Max(den, minDepth)
			d = math.Max(d, minDepth)
		}
		x = p.X / den
		y = p.Y / den
		den2 := den * den
		dDen := r3.Vector{X: xi * p.X / d, Y: xi * p.Y / d, Z: 1 + xi*p.Z/d}
		jn = [6]float64{
			1/den - p.X*dDen.X/den2, -p.X * dDen.Y / den2, -p.X * dDen.Z / den2,
			-p.Y * dDen.X / den2, 1/den - p.Y*dDen.Y/den2, -p.Y * dDen.Z / den2,
		}
	default:
		fx, fy, cx, cy = intr[0], intr[1], intr[2], intr[3]
		z := p.Z
		if z <= minDepth {
			valid = false
			z = minDepth
		}
		x = p.X / z
		y = p.Y / z
		jn = [6]float64{
			1 / z, 0, -p.X / (z * z),
			0, 1 / z, -p.Y / (z * z),
		}
	}

	xd, yd, jd := m.distortion.Distort(x, y, dist)
	px := r2.Point{X: fx*xd + cx, Y: fy*yd + cy}

	var jac Jacobian23
	for col := 0; col < 3; col++ {
		jac[col] = fx * (jd[0]*jn[col] + jd[1]*jn[3+col])
		jac[3+col] = fy * (jd[2]*jn[col] + jd[3]*jn[3+col])
	}
	return px, jac, valid
}

// BackProject returns the unit bearing of a pixel in the camera frame.
func (m *Model) BackProject(px r2.Point) (r3.Vector, error) {
	fx, fy := m.focal(m.intrinsics)
	var cx, cy float64
	if m.projection == UnifiedProjectionType {
		cx, cy = m.intrinsics[3], m.intrinsics[4]
	} else {
		cx, cy = m.intrinsics[2], m.intrinsics[3]
	}
	x, y := Undistort(m.distortion, (px.X-cx)/fx, (px.Y-cy)/fy)
	if m.projection != UnifiedProjectionType {
		return r3.Vector{X: x, Y: y, Z: 1}.Normalize(), nil
	}
	// invert the sphere projection
	xi := m.intrinsics[0]
	r2n := x*x + y*y
	disc := 1 + (1-xi*xi)*r2n
	if disc < 0 {
		return r3.Vector{}, errors.Errorf("pixel %v is outside the unified model field of view", px)
	}
	factor := (xi + math.Sqrt(disc)) / (r2n + 1)
	return r3.Vector{X: factor * x, Y: factor * y, Z: factor - xi}.Normalize(), nil
}

// IsInImage reports whether a pixel lies inside the image bounds. Models without a
// configured size accept every pixel.
func (m *Model) IsInImage(px r2.Point) bool {
	if m.Width == 0 || m.Height == 0 {
		return true
	}
	return px.X >= 0 && px.Y >= 0 && px.X < float64(m.Width) && px.Y < float64(m.Height)
}
