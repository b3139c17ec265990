package imu

import (
	"gonum.org/v1/gonum/mat"
)

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func scaled(m mat.Matrix, s float64) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func block(src *mat.Dense, row, col int) *mat.Dense {
	return mat.DenseCopyOf(src.Slice(row, row+3, col, col+3))
}

// sqrtInformation returns the upper Cholesky factor U of cov⁻¹ = UᵀU. A diagonal jitter is
// added until the covariance is positive definite.
func sqrtInformation(cov *mat.SymDense) *mat.Dense {
	n := cov.SymmetricDim()
	jitter := 0.0
	for attempt := 0; attempt < 10; attempt++ {
		work := mat.NewSymDense(n, nil)
		work.CopySym(cov)
		for i := 0; i < n; i++ {
			work.SetSym(i, i, work.At(i, i)+jitter)
		}
		var chol mat.Cholesky
		if chol.Factorize(work) {
			var info mat.SymDense
			if err := chol.InverseTo(&info); err == nil {
				var infoChol mat.Cholesky
				if infoChol.Factorize(&info) {
					var u mat.TriDense
					infoChol.UTo(&u)
					return mat.DenseCopyOf(&u)
				}
			}
		}
		if jitter == 0 {
			jitter = 1e-12
		} else {
			jitter *= 100
		}
	}
	return eye(n)
}
