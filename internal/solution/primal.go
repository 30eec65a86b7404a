package solution

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/reference"
)

// PrimalSolution is the state/input trajectory of an accepted iterate plus
// the controller that reproduces it.
type PrimalSolution struct {
	Times        []float64
	States       []*mat.VecDense
	Inputs       []*mat.VecDense
	ModeSchedule reference.ModeSchedule
	Controller   Controller
}

// FinalTime is the last node time; zero for an empty solution.
func (p *PrimalSolution) FinalTime() float64 {
	if len(p.Times) == 0 {
		return 0
	}
	return p.Times[len(p.Times)-1]
}

// Truncate returns the solution cut off at time t. A query beyond the
// horizon returns the full solution; one before the start returns the
// degenerate length-1 head.
func (p *PrimalSolution) Truncate(t float64) *PrimalSolution {
	out := &PrimalSolution{ModeSchedule: p.ModeSchedule.Clone(), Controller: p.Controller}
	n := 0
	for n < len(p.Times) && p.Times[n] <= t {
		n++
	}
	if n == 0 {
		n = 1
	}
	out.Times = append([]float64(nil), p.Times[:n]...)
	for i := 0; i < n; i++ {
		out.States = append(out.States, ocmath.CloneVec(p.States[i]))
		out.Inputs = append(out.Inputs, ocmath.CloneVec(p.Inputs[i]))
	}
	return out
}
