package ocproblem

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/reference"
)

// Request flags select what a PreComputation should prepare before the
// corresponding getters are called.
type Request uint8

const (
	RequestDynamics Request = 1 << iota
	RequestCost
	RequestConstraint
	RequestSoftConstraint
	RequestApproximation
)

func (r Request) Has(f Request) bool { return r&f != 0 }

// PreComputation caches shared intermediate results (kinematics, lookups)
// between the evaluation calls issued for one node. Implementations are
// per-worker; Request is always issued before any value or approximation
// getter on the owning problem.
type PreComputation interface {
	Request(flags Request, t float64, x, u *mat.VecDense)
	RequestPreJump(flags Request, t float64, x *mat.VecDense)
	RequestFinal(flags Request, t float64, x *mat.VecDense)
	Clone() PreComputation
}

// NoPreComputation is the default cache that computes nothing.
type NoPreComputation struct{}

func (NoPreComputation) Request(Request, float64, *mat.VecDense, *mat.VecDense) {}
func (NoPreComputation) RequestPreJump(Request, float64, *mat.VecDense)         {}
func (NoPreComputation) RequestFinal(Request, float64, *mat.VecDense)           {}
func (NoPreComputation) Clone() PreComputation                                  { return NoPreComputation{} }

// Dynamics is the continuous flow map ẋ = f(t, x, u) and its linearization.
type Dynamics interface {
	StateDim() int
	InputDim() int
	Flow(t float64, x, u *mat.VecDense, pre PreComputation) *mat.VecDense
	FlowLinear(t float64, x, u *mat.VecDense, pre PreComputation) *ocmath.VectorLinear
	Clone() Dynamics
}

// HybridDynamics extends Dynamics with a jump map triggered at event times.
// Guard returns surface values whose zero down-crossing fires the jump; a
// system driven purely by a mode schedule may return nil.
type HybridDynamics interface {
	Dynamics
	Jump(t float64, x *mat.VecDense, pre PreComputation) *mat.VecDense
	JumpLinear(t float64, x *mat.VecDense, pre PreComputation) *ocmath.VectorLinear
	Guard(t float64, x *mat.VecDense) *mat.VecDense
}

// StateInputCost is an intermediate cost term L(t, x, u).
type StateInputCost interface {
	Value(t float64, x, u *mat.VecDense, target *reference.TargetTrajectories, pre PreComputation) float64
	Quadratic(t float64, x, u *mat.VecDense, target *reference.TargetTrajectories, pre PreComputation) *ocmath.ScalarQuad
	Clone() StateInputCost
}

// StateCost is a state-only cost term, used at pre-jump and terminal nodes.
type StateCost interface {
	Value(t float64, x *mat.VecDense, target *reference.TargetTrajectories, pre PreComputation) float64
	Quadratic(t float64, x *mat.VecDense, target *reference.TargetTrajectories, pre PreComputation) *ocmath.ScalarQuad
	Clone() StateCost
}

// StateInputConstraint is a vector-valued constraint g(t, x, u). Equality
// terms demand g = 0, inequality terms g ≥ 0.
type StateInputConstraint interface {
	NumConstraints(t float64) int
	Value(t float64, x, u *mat.VecDense, pre PreComputation) *mat.VecDense
	Linear(t float64, x, u *mat.VecDense, pre PreComputation) *ocmath.VectorLinear
	Clone() StateInputConstraint
}

// StateConstraint is a state-only constraint, used at pre-jump and terminal
// nodes.
type StateConstraint interface {
	NumConstraints(t float64) int
	Value(t float64, x *mat.VecDense, pre PreComputation) *mat.VecDense
	Linear(t float64, x *mat.VecDense, pre PreComputation) *ocmath.VectorLinear
	Clone() StateConstraint
}

// Initializer produces an input and a next-state guess for an interval when
// no previous solution is available.
type Initializer interface {
	Compute(t float64, x *mat.VecDense, nextT float64) (u, nextX *mat.VecDense)
	Clone() Initializer
}

// Problem aggregates all capability objects of one optimal control problem.
// The zero collections are valid and empty. A Problem is not safe for
// concurrent use; solvers clone one instance per worker.
type Problem struct {
	Dynamics Dynamics

	Cost        *Collection[StateInputCost]
	PreJumpCost *Collection[StateCost]
	FinalCost   *Collection[StateCost]

	EqualityConstraints        *Collection[StateInputConstraint]
	InequalityConstraints      *Collection[StateInputConstraint]
	PreJumpEqualityConstraints *Collection[StateConstraint]
	FinalEqualityConstraints   *Collection[StateConstraint]

	// Penalty folds inequality constraints into the cost.
	Penalty Penalty

	Pre PreComputation

	// Targets is set by the solver at the top of each Run call from the
	// reference manager snapshot and treated as immutable within that run.
	Targets *reference.TargetTrajectories
}

// New returns a Problem with empty collections around the given dynamics.
func New(dyn Dynamics) *Problem {
	return &Problem{
		Dynamics:                   dyn,
		Cost:                       NewCollection[StateInputCost](),
		PreJumpCost:                NewCollection[StateCost](),
		FinalCost:                  NewCollection[StateCost](),
		EqualityConstraints:        NewCollection[StateInputConstraint](),
		InequalityConstraints:      NewCollection[StateInputConstraint](),
		PreJumpEqualityConstraints: NewCollection[StateConstraint](),
		FinalEqualityConstraints:   NewCollection[StateConstraint](),
		Penalty:                    &RelaxedBarrier{Mu: 1e-2, Delta: 1e-3},
		Pre:                        NoPreComputation{},
	}
}

// Clone returns an independent deep copy with its own precomputation cache.
func (p *Problem) Clone() *Problem {
	c := &Problem{
		Dynamics:                   p.Dynamics.Clone(),
		Cost:                       p.Cost.Clone(),
		PreJumpCost:                p.PreJumpCost.Clone(),
		FinalCost:                  p.FinalCost.Clone(),
		EqualityConstraints:        p.EqualityConstraints.Clone(),
		InequalityConstraints:      p.InequalityConstraints.Clone(),
		PreJumpEqualityConstraints: p.PreJumpEqualityConstraints.Clone(),
		FinalEqualityConstraints:   p.FinalEqualityConstraints.Clone(),
		Pre:                        p.Pre.Clone(),
		Targets:                    p.Targets,
	}
	if p.Penalty != nil {
		c.Penalty = p.Penalty.Clone()
	}
	return c
}

// Hybrid returns the dynamics as HybridDynamics when jumps are modelled.
func (p *Problem) Hybrid() (HybridDynamics, bool) {
	h, ok := p.Dynamics.(HybridDynamics)
	return h, ok
}
