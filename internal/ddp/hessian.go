package ddp

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/settings"
)

// shiftHessian repairs a symmetric matrix towards positive definiteness
// in place, following the configured strategy:
//
//   - diagonal: unconditionally add multiple·I
//   - cholesky: try a factorization, add growing multiples of I until it
//     succeeds
//   - eigenvalue: clamp eigenvalues below the multiple
//
// Returns false when the cap on repair attempts is exceeded.
func shiftHessian(strategy string, h *mat.Dense, multiple float64) bool {
	const maxAttempts = 12
	n, _ := h.Dims()

	switch strategy {
	case settings.HessianCorrectionDiagonal:
		for i := 0; i < n; i++ {
			h.Set(i, i, h.At(i, i)+multiple)
		}
		return true

	case settings.HessianCorrectionEigenvalue:
		var es mat.EigenSym
		if ok := es.Factorize(ocmath.DenseToSym(h), true); !ok {
			return false
		}
		vals := es.Values(nil)
		var vecs mat.Dense
		es.VectorsTo(&vecs)
		for i, v := range vals {
			if v < multiple {
				vals[i] = multiple
			}
		}
		// H ← V·diag(λ⁺)·Vᵀ
		scaled := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				scaled.Set(i, j, vecs.At(i, j)*vals[j])
			}
		}
		h.Mul(scaled, vecs.T())
		return true

	default: // cholesky
		shift := multiple
		for attempt := 0; attempt < maxAttempts; attempt++ {
			var chol mat.Cholesky
			if chol.Factorize(ocmath.DenseToSym(h)) {
				return true
			}
			for i := 0; i < n; i++ {
				h.Set(i, i, h.At(i, i)+shift)
			}
			shift *= 10
		}
		var chol mat.Cholesky
		return chol.Factorize(ocmath.DenseToSym(h))
	}
}
