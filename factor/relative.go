package factor

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/EmmanuelMess/covins/camera"
	"github.com/EmmanuelMess/covins/spatialmath"
)

// Direction selects which keyframe of a relative pose observes the point.
type Direction int

const (
	// Normal: the first keyframe observes a point expressed in the second keyframe's camera frame.
	Normal Direction = iota
	// Inverse: the second keyframe observes a point expressed in the first keyframe's camera frame.
	Inverse
)

func (d Direction) String() string {
	if d == Inverse {
		return "inverse"
	}
	return "normal"
}

// RelativeReprojection is the reprojection error of a point triangulated in one keyframe's
// camera frame and observed by the other keyframe, through the relative sensor pose T_s1s2.
// Blocks: relative pose(7).
type RelativeReprojection struct {
	camera      *camera.Model
	observation r2.Point
	invSigma    float64
	point       r3.Vector
	// extrinsics of the observing keyframe and of the keyframe the point is expressed in
	extObserver spatialmath.Pose
	extOther    spatialmath.Pose
	direction   Direction
}

// NewRelativeReprojection builds a bidirectional reprojection arm. cam, observation, sigma and
// extObserver belong to the observing keyframe; point and extOther to the other keyframe.
func NewRelativeReprojection(
	cam *camera.Model,
	observation r2.Point,
	sigma float64,
	point r3.Vector,
	extObserver, extOther spatialmath.Pose,
	direction Direction,
) *RelativeReprojection {
	return &RelativeReprojection{
		camera:      cam,
		observation: observation,
		invSigma:    1 / sigma,
		point:       point,
		extObserver: extObserver,
		extOther:    extOther,
		direction:   direction,
	}
}

// NumResiduals returns 2.
func (f *RelativeReprojection) NumResiduals() int { return 2 }

// ParameterBlockSizes returns the relative pose block size.
func (f *RelativeReprojection) ParameterBlockSizes() []int {
	return []int{spatialmath.PoseBufferSize}
}

// Direction reports which keyframe observes the point.
func (f *RelativeReprojection) Direction() Direction { return f.direction }

// Evaluate computes the whitened pixel error.
func (f *RelativeReprojection) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkBlocks(params, f.ParameterBlockSizes()); err != nil {
		return err
	}
	t12 := spatialmath.FromBuffer(params[0])
	if f.direction == Inverse {
		t12 = spatialmath.PoseInverse(t12)
	}
	ps := f.extOther.TransformPoint(f.point)
	pc := spatialmath.PoseInverse(f.extObserver).TransformPoint(t12.TransformPoint(ps))
	px, _, _ := f.camera.Project(pc)
	residuals[0] = (px.X - f.observation.X) * f.invSigma
	residuals[1] = (px.Y - f.observation.Y) * f.invSigma
	return nil
}
