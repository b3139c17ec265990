package factor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SqrtInformation returns the diagonal 6x6 square root information matrix for a [rotation;
// translation] error with the given per-axis weights.
func SqrtInformation(rotWeight, transWeight float64) *mat.Dense {
	m := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		m.Set(i, i, rotWeight)
		m.Set(3+i, 3+i, transWeight)
	}
	return m
}

// SqrtInformationFromCovariance returns U with UᵀU = cov⁻¹.
func SqrtInformationFromCovariance(cov mat.Symmetric) (*mat.Dense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return nil, errors.New("covariance is not positive definite")
	}
	var info mat.SymDense
	if err := chol.InverseTo(&info); err != nil {
		return nil, errors.Wrap(err, "cannot invert covariance")
	}
	var infoChol mat.Cholesky
	if !infoChol.Factorize(&info) {
		return nil, errors.New("information matrix is not positive definite")
	}
	var u mat.TriDense
	infoChol.UTo(&u)
	return mat.DenseCopyOf(&u), nil
}
