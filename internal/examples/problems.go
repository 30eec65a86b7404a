package examples

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/reference"
)

// QuadraticTrackingCost is ½(x−x*)ᵀQ(x−x*) + ½(u−u*)ᵀR(u−u*) with the
// reference taken from the target trajectories when present.
type QuadraticTrackingCost struct {
	Q *mat.Dense
	R *mat.Dense
}

func (c *QuadraticTrackingCost) residuals(t float64, x, u *mat.VecDense, tt *reference.TargetTrajectories) (dx, du *mat.VecDense) {
	dx = ocmath.CloneVec(x)
	du = ocmath.CloneVec(u)
	if tt != nil {
		if xr := tt.StateAt(t); xr != nil {
			dx.SubVec(dx, xr)
		}
		if ur := tt.InputAt(t); ur != nil && du != nil {
			du.SubVec(du, ur)
		}
	}
	return dx, du
}

func (c *QuadraticTrackingCost) Value(t float64, x, u *mat.VecDense, tt *reference.TargetTrajectories, _ ocproblem.PreComputation) float64 {
	dx, du := c.residuals(t, x, u, tt)
	v := 0.5 * quadForm(c.Q, dx)
	if du != nil && c.R != nil {
		v += 0.5 * quadForm(c.R, du)
	}
	return v
}

func (c *QuadraticTrackingCost) Quadratic(t float64, x, u *mat.VecDense, tt *reference.TargetTrajectories, _ ocproblem.PreComputation) *ocmath.ScalarQuad {
	dx, du := c.residuals(t, x, u, tt)
	nx, nu := x.Len(), u.Len()
	q := ocmath.NewScalarQuad(nx, nu)
	q.F = 0.5 * quadForm(c.Q, dx)
	q.Fx.MulVec(c.Q, dx)
	q.Fxx.Copy(c.Q)
	if c.R != nil {
		q.F += 0.5 * quadForm(c.R, du)
		q.Fu.MulVec(c.R, du)
		q.Fuu.Copy(c.R)
	}
	return q
}

func (c *QuadraticTrackingCost) Clone() ocproblem.StateInputCost {
	out := &QuadraticTrackingCost{Q: &mat.Dense{}, R: &mat.Dense{}}
	out.Q.CloneFrom(c.Q)
	if c.R != nil {
		out.R.CloneFrom(c.R)
	} else {
		out.R = nil
	}
	return out
}

// QuadraticFinalCost is ½(x−x*)ᵀQf(x−x*) against the final target state.
type QuadraticFinalCost struct {
	Qf     *mat.Dense
	XFinal *mat.VecDense
}

func (c *QuadraticFinalCost) residual(t float64, x *mat.VecDense, tt *reference.TargetTrajectories) *mat.VecDense {
	dx := ocmath.CloneVec(x)
	switch {
	case c.XFinal != nil:
		dx.SubVec(dx, c.XFinal)
	case tt != nil:
		if xr := tt.StateAt(t); xr != nil {
			dx.SubVec(dx, xr)
		}
	}
	return dx
}

func (c *QuadraticFinalCost) Value(t float64, x *mat.VecDense, tt *reference.TargetTrajectories, _ ocproblem.PreComputation) float64 {
	dx := c.residual(t, x, tt)
	return 0.5 * quadForm(c.Qf, dx)
}

func (c *QuadraticFinalCost) Quadratic(t float64, x *mat.VecDense, tt *reference.TargetTrajectories, _ ocproblem.PreComputation) *ocmath.ScalarQuad {
	dx := c.residual(t, x, tt)
	q := ocmath.NewScalarQuad(x.Len(), 0)
	q.F = 0.5 * quadForm(c.Qf, dx)
	q.Fx.MulVec(c.Qf, dx)
	q.Fxx.Copy(c.Qf)
	return q
}

func (c *QuadraticFinalCost) Clone() ocproblem.StateCost {
	out := &QuadraticFinalCost{Qf: &mat.Dense{}, XFinal: ocmath.CloneVec(c.XFinal)}
	out.Qf.CloneFrom(c.Qf)
	return out
}

// NewCircularKinematicsProblem is the 2-state / 2-input benchmark: stay on
// the unit circle with tangential motion only.
func NewCircularKinematicsProblem() *ocproblem.Problem {
	p := ocproblem.New(&SingleIntegrator{Dim: 2})
	_ = p.Cost.Add("circle_drift", &CircleDriftCost{WCircle: 10.0, WInput: 0.1})
	_ = p.EqualityConstraints.Add("radial_input", RadialInputConstraint{})
	return p
}

// NewUnconstrainedCircularProblem drops the radial-input constraint.
func NewUnconstrainedCircularProblem() *ocproblem.Problem {
	p := ocproblem.New(&SingleIntegrator{Dim: 2})
	_ = p.Cost.Add("circle_drift", &CircleDriftCost{WCircle: 10.0, WInput: 0.1})
	return p
}

// Exp0EventTime is the switch time of the two-mode benchmark.
const Exp0EventTime = 0.1897

// NewExp0Problem is the 2-state / 1-input switched-system benchmark with
// one mode switch, tracking the final state (4, 2).
func NewExp0Problem(schedule reference.ModeSchedule) *ocproblem.Problem {
	a0 := mat.NewDense(2, 2, []float64{0.6, 1.2, -0.8, 3.4})
	b0 := mat.NewDense(2, 1, []float64{1, 1})
	a1 := mat.NewDense(2, 2, []float64{4, 3, -1, 0})
	b1 := mat.NewDense(2, 1, []float64{2, -1})

	dyn := &SwitchedLinearSystem{
		A:        []*mat.Dense{a0, a1},
		B:        []*mat.Dense{b0, b1},
		Schedule: schedule,
	}

	p := ocproblem.New(dyn)
	_ = p.Cost.Add("tracking", &QuadraticTrackingCost{
		Q: mat.NewDense(2, 2, []float64{0.0, 0.0, 0.0, 1.0}),
		R: mat.NewDense(1, 1, []float64{1.0}),
	})
	_ = p.FinalCost.Add("terminal", &QuadraticFinalCost{
		Qf:     mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		XFinal: ocmath.Vec(4, 2),
	})
	return p
}

// NewExp0ReferenceManager pairs the mode schedule with a constant target
// at the terminal goal.
func NewExp0ReferenceManager() *reference.Manager {
	schedule := reference.ModeSchedule{
		EventTimes:   []float64{Exp0EventTime},
		ModeSequence: []int{0, 1},
	}
	targets := reference.SingleTarget(0, ocmath.Vec(4, 2), ocmath.Vec(0))
	return reference.NewManager(schedule, targets)
}

func quadForm(m *mat.Dense, v *mat.VecDense) float64 {
	tmp := mat.NewVecDense(v.Len(), nil)
	tmp.MulVec(m, v)
	return mat.Dot(v, tmp)
}
