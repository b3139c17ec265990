package camera

// RadTan is the radial-tangential distortion with parameters [k1 k2 p1 p2]:
//
//	x_d = x * (1 + k1*r² + k2*r⁴) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴) + p1*(r² + 2*y²) + 2*p2*x*y
type RadTan struct {
	params []float64
}

// NewRadTan returns a radial-tangential model.
func NewRadTan(k1, k2, p1, p2 float64) *RadTan {
	return &RadTan{params: []float64{k1, k2, p1, p2}}
}

// ModelType returns the type of distortion model.
func (rt *RadTan) ModelType() DistortionType {
	return RadTanDistortionType
}

// CheckValid checks the parameter buffer.
func (rt *RadTan) CheckValid() error {
	return checkBuffer("radtan", rt.params, 4)
}

// Parameters returns the live parameter buffer.
func (rt *RadTan) Parameters() []float64 {
	return rt.params
}

// Distort applies the model.
func (rt *RadTan) Distort(x, y float64, params []float64) (float64, float64, [4]float64) {
	k1, k2, p1, p2 := params[0], params[1], params[2], params[3]
	r2 := x*x + y*y
	rad := 1 + k1*r2 + k2*r2*r2

	xd := x*rad + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*rad + p1*(r2+2*y*y) + 2*p2*x*y

	dRad := 2 * (k1 + 2*k2*r2)
	dRadDx := dRad * x
	dRadDy := dRad * y
	return xd, yd, [4]float64{
		rad + x*dRadDx + 2*p1*y + 6*p2*x,
		x*dRadDy + 2*p1*x + 2*p2*y,
		y*dRadDx + 2*p1*x + 2*p2*y,
		rad + y*dRadDy + 6*p1*y + 2*p2*x,
	}
}
