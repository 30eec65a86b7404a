// Package qp defines the contract between the solvers and a structured QP
// backend, plus a Riccati-recursion reference implementation.
//
// The QP spans variables δx_0..N, δu_0..N-1 with the horizon-structured
// equality constraints δx_{i+1} = A_i·δx_i + B_i·δu_i + c_i and a fixed
// initial deviation δx_0.
package qp

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
)

type Status int

const (
	Success Status = iota
	MaxIter
	Infeasible
	NumericalFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case MaxIter:
		return "MAX_ITER"
	case Infeasible:
		return "INFEASIBLE"
	default:
		return "NUMERICAL_FAILURE"
	}
}

// ErrQPFailed wraps any non-success outcome of the backend.
var ErrQPFailed = errors.New("qp: solve failed")

// Sizes lists the per-node variable dimensions, extracted from the node
// models before each call so the backend can resize its workspace.
type Sizes struct {
	NumStates []int
	NumInputs []int
}

// ExtractSizes reads the dimensions off the stage models. dyn has N
// entries, cost N+1; input dimension is zero at event nodes.
func ExtractSizes(dyn []*ocmath.VectorLinear, cost []*ocmath.ScalarQuad) Sizes {
	n := len(dyn)
	s := Sizes{NumStates: make([]int, n+1), NumInputs: make([]int, n)}
	for i := 0; i < n; i++ {
		r, _ := dyn[i].Dfdx.Dims()
		s.NumStates[i] = r
		if dyn[i].Dfdu != nil {
			_, c := dyn[i].Dfdu.Dims()
			s.NumInputs[i] = c
		}
	}
	s.NumStates[n] = cost[n].Fx.Len()
	return s
}

// Solution is the primal step of the structured QP together with the
// Riccati feedback gains when the backend exposes them.
type Solution struct {
	Dx     []*mat.VecDense
	Du     []*mat.VecDense
	Gains  []*mat.Dense
	Status Status
}

// Solver is the external structured-QP interface. constr may be nil (no
// stage constraints beyond the dynamics); a backend that cannot handle
// the given constraints must report a non-success status rather than
// silently dropping them.
type Solver interface {
	Resize(sizes Sizes)
	Solve(dx0 *mat.VecDense, dyn []*ocmath.VectorLinear, cost []*ocmath.ScalarQuad, constr []*ocmath.VectorLinear) (Solution, error)
}
