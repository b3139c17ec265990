package optimization

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// relPoseCovarianceSize is the tangent dimension of a pose.
const relPoseCovarianceSize = 6

// epsilon is the float64 machine epsilon.
const epsilon = 2.220446049250313e-16

// pseudoInverse returns the SVD pseudo-inverse of a symmetric matrix. Singular values below
// n·eps·σmax are treated as zero.
func pseudoInverse(a mat.Symmetric) (*mat.Dense, error) {
	n := a.SymmetricDim()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("singular value decomposition failed")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := 0.
	if len(values) > 0 {
		tol = float64(n) * values[0] * epsilon
	}
	inv := make([]float64, len(values))
	for i, s := range values {
		if s > tol {
			inv[i] = 1 / s
		}
	}
	var vs mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	var out mat.Dense
	out.Mul(&vs, u.T())
	return &out, nil
}

// topLeftCovariance computes (JᵀJ)⁺ and returns its leading 6x6 block, symmetrized.
func topLeftCovariance(jacobian mat.Matrix) (*mat.SymDense, error) {
	_, cols := jacobian.Dims()
	if cols < relPoseCovarianceSize {
		return nil, errors.Errorf("jacobian has %d columns, need at least %d", cols, relPoseCovarianceSize)
	}
	var jtj mat.SymDense
	jtj.SymOuterK(1, jacobian.T())
	pinv, err := pseudoInverse(&jtj)
	if err != nil {
		return nil, err
	}
	cov := mat.NewSymDense(relPoseCovarianceSize, nil)
	for r := 0; r < relPoseCovarianceSize; r++ {
		for c := r; c < relPoseCovarianceSize; c++ {
			cov.SetSym(r, c, 0.5*(pinv.At(r, c)+pinv.At(c, r)))
		}
	}
	return cov, nil
}
