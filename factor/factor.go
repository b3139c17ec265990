// Package factor contains the residual terms of the map optimization problems together with
// the robust losses applied to them.
package factor

import (
	"github.com/pkg/errors"
)

// CostFunction is a residual term over a fixed list of parameter blocks. Parameter blocks are
// passed in their ambient representation.
type CostFunction interface {
	NumResiduals() int
	ParameterBlockSizes() []int
	Evaluate(params [][]float64, residuals []float64) error
}

// TangentJacobian is implemented by cost functions that can supply analytic Jacobians for some
// of their blocks. The Jacobian is with respect to the block's tangent increment, written
// row-major into jac (NumResiduals x tangent size). Returning false makes the caller fall back
// to numeric differentiation for that block.
type TangentJacobian interface {
	TangentJacobian(params [][]float64, block int, jac []float64) bool
}

// ErrParameterCount is returned when a cost function receives the wrong number of blocks.
var ErrParameterCount = errors.New("unexpected number of parameter blocks")

func checkBlocks(params [][]float64, sizes []int) error {
	if len(params) != len(sizes) {
		return errors.Wrapf(ErrParameterCount, "expected %d got %d", len(sizes), len(params))
	}
	for i, p := range params {
		if len(p) != sizes[i] {
			return errors.Errorf("parameter block %d must have %d elements but has %d", i, sizes[i], len(p))
		}
	}
	return nil
}
