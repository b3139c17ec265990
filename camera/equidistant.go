package camera

import "math"

// Equidistant is the Kannala-Brandt model with parameters [k1 k2 k3 k4]:
//
//	θ   = atan(r)
//	θ_d = θ * (1 + k1*θ² + k2*θ⁴ + k3*θ⁶ + k4*θ⁸)
//	x_d = x * θ_d / r
type Equidistant struct {
	params []float64
}

// NewEquidistant returns a Kannala-Brandt model.
func NewEquidistant(k1, k2, k3, k4 float64) *Equidistant {
	return &Equidistant{params: []float64{k1, k2, k3, k4}}
}

// ModelType returns the type of distortion model.
func (eq *Equidistant) ModelType() DistortionType {
	return EquidistantDistortionType
}

// CheckValid checks the parameter buffer.
func (eq *Equidistant) CheckValid() error {
	return checkBuffer("equidistant", eq.params, 4)
}

// Parameters returns the live parameter buffer.
func (eq *Equidistant) Parameters() []float64 {
	return eq.params
}

// Distort applies the model.
func (eq *Equidistant) Distort(x, y float64, params []float64) (float64, float64, [4]float64) {
	k1, k2, k3, k4 := params[0], params[1], params[2], params[3]
	r := math.Sqrt(x*x + y*y)
	if r < 1e-8 {
		return x, y, [4]float64{1, 0, 0, 1}
	}
	theta := math.Atan(r)
	t2 := theta * theta
	t4 := t2 * t2
	t6 := t4 * t2
	t8 := t4 * t4
	thetaD := theta * (1 + k1*t2 + k2*t4 + k3*t6 + k4*t8)
	scale := thetaD / r

	dThetaD := 1 + 3*k1*t2 + 5*k2*t4 + 7*k3*t6 + 9*k4*t8
	dTheta := 1 / (1 + r*r)
	dScale := (dThetaD*dTheta*r - thetaD) / (r * r)
	// d(scale)/dx = dScale * x / r
	c := dScale / r
	return x * scale, y * scale, [4]float64{
		scale + c*x*x, c * x * y,
		c * x * y, scale + c*y*y,
	}
}
