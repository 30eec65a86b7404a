// Package solution holds the outputs of a solver run: the performance
// index, the primal trajectories and the controller variants.
package solution

import (
	"fmt"
	"math"
)

// PerformanceIndex aggregates the scalar measures of one iterate. ISE
// fields are integral squared errors of the respective constraint class
// over the horizon.
type PerformanceIndex struct {
	TotalCost float64
	// Merit is the filter/line-search acceptance quantity: cost plus
	// penalties on the violation measures.
	Merit             float64
	StateEqISE        float64
	StateInputEqISE   float64
	InequalityISE     float64
	InequalityPenalty float64
}

// Add accumulates another index term-wise. Merit is not summed; it is
// recomputed by the owner after reduction.
func (p *PerformanceIndex) Add(o PerformanceIndex) {
	p.TotalCost += o.TotalCost
	p.StateEqISE += o.StateEqISE
	p.StateInputEqISE += o.StateInputEqISE
	p.InequalityISE += o.InequalityISE
	p.InequalityPenalty += o.InequalityPenalty
}

// ConstraintViolation is the combined violation measure θ.
func (p PerformanceIndex) ConstraintViolation() float64 {
	return math.Sqrt(p.StateEqISE + p.StateInputEqISE + p.InequalityISE)
}

func (p PerformanceIndex) String() string {
	return fmt.Sprintf("cost=%.6g merit=%.6g stateEqISE=%.3g stateInputEqISE=%.3g ineqISE=%.3g ineqPenalty=%.3g",
		p.TotalCost, p.Merit, p.StateEqISE, p.StateInputEqISE, p.InequalityISE, p.InequalityPenalty)
}
