package camera

import "math"

// Fisheye is the field-of-view model with the single parameter [w]:
//
//	x_d = x * atan(2*tan(w/2)*r) / (w*r)
type Fisheye struct {
	params []float64
}

// NewFisheye returns a field-of-view model.
func NewFisheye(w float64) *Fisheye {
	return &Fisheye{params: []float64{w}}
}

// ModelType returns the type of distortion model.
func (fe *Fisheye) ModelType() DistortionType {
	return FisheyeDistortionType
}

// CheckValid checks the parameter buffer.
func (fe *Fisheye) CheckValid() error {
	if err := checkBuffer("fisheye", fe.params, 1); err != nil {
		return err
	}
	if fe.params[0] < 0 || fe.params[0] >= math.Pi {
		return InvalidParametersError("fisheye w must be in [0, pi)")
	}
	return nil
}

// Parameters returns the live parameter buffer.
func (fe *Fisheye) Parameters() []float64 {
	return fe.params
}

// Distort applies the model.
func (fe *Fisheye) Distort(x, y float64, params []float64) (float64, float64, [4]float64) {
	w := params[0]
	if w*w < 1e-5 {
		return x, y, [4]float64{1, 0, 0, 1}
	}
	mul2tanwby2 := 2 * math.Tan(w/2)
	r2 := x*x + y*y
	if r2 < 1e-5 {
		// limit of the scale as r goes to zero
		s := mul2tanwby2 / w
		return x * s, y * s, [4]float64{s, 0, 0, s}
	}
	r := math.Sqrt(r2)
	atanTerm := math.Atan(r * mul2tanwby2)
	s := atanTerm / (w * r)
	dS := (mul2tanwby2*r/(1+mul2tanwby2*mul2tanwby2*r2) - atanTerm) / (w * r2)
	c := dS / r
	return x * s, y * s, [4]float64{
		s + c*x*x, c * x * y,
		c * x * y, s + c*y*y,
	}
}
