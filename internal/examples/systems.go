// Package examples bundles small benchmark problems used by the tests and
// the demo command: a circular-kinematics system and a two-mode switched
// linear system.
package examples

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/reference"
)

// SwitchedLinearSystem is ẋ = A[m]·x + B[m]·u with the active mode m read
// from a mode schedule and an identity jump at every switch.
type SwitchedLinearSystem struct {
	A        []*mat.Dense
	B        []*mat.Dense
	Schedule reference.ModeSchedule
}

func (s *SwitchedLinearSystem) StateDim() int {
	r, _ := s.A[0].Dims()
	return r
}

func (s *SwitchedLinearSystem) InputDim() int {
	_, c := s.B[0].Dims()
	return c
}

func (s *SwitchedLinearSystem) Flow(t float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	m := s.Schedule.ModeAt(t)
	out := mat.NewVecDense(x.Len(), nil)
	out.MulVec(s.A[m], x)
	tmp := mat.NewVecDense(x.Len(), nil)
	tmp.MulVec(s.B[m], u)
	out.AddVec(out, tmp)
	return out
}

func (s *SwitchedLinearSystem) FlowLinear(t float64, x, u *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	m := s.Schedule.ModeAt(t)
	a := &mat.Dense{}
	a.CloneFrom(s.A[m])
	b := &mat.Dense{}
	b.CloneFrom(s.B[m])
	return &ocmath.VectorLinear{Dfdx: a, Dfdu: b, F: s.Flow(t, x, u, pre)}
}

func (s *SwitchedLinearSystem) Jump(_ float64, x *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.CloneVec(x)
}

func (s *SwitchedLinearSystem) JumpLinear(_ float64, x *mat.VecDense, _ ocproblem.PreComputation) *ocmath.VectorLinear {
	n := x.Len()
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, 1)
	}
	return &ocmath.VectorLinear{Dfdx: id, F: ocmath.CloneVec(x)}
}

func (s *SwitchedLinearSystem) Guard(float64, *mat.VecDense) *mat.VecDense { return nil }

func (s *SwitchedLinearSystem) Clone() ocproblem.Dynamics {
	c := &SwitchedLinearSystem{Schedule: s.Schedule.Clone()}
	for _, a := range s.A {
		ac := &mat.Dense{}
		ac.CloneFrom(a)
		c.A = append(c.A, ac)
	}
	for _, b := range s.B {
		bc := &mat.Dense{}
		bc.CloneFrom(b)
		c.B = append(c.B, bc)
	}
	return c
}

// SingleIntegrator is ẋ = u, the circular-kinematics plant.
type SingleIntegrator struct {
	Dim int
}

func (s *SingleIntegrator) StateDim() int { return s.Dim }
func (s *SingleIntegrator) InputDim() int { return s.Dim }

func (s *SingleIntegrator) Flow(_ float64, _, u *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.CloneVec(u)
}

func (s *SingleIntegrator) FlowLinear(_ float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *ocmath.VectorLinear {
	n := s.Dim
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, 1)
	}
	return &ocmath.VectorLinear{
		Dfdx: mat.NewDense(n, n, nil),
		Dfdu: id,
		F:    ocmath.CloneVec(u),
	}
}

func (s *SingleIntegrator) Clone() ocproblem.Dynamics { return &SingleIntegrator{Dim: s.Dim} }

// ZeroInitializer guesses zero input and a frozen state.
type ZeroInitializer struct {
	NU int
}

func (z *ZeroInitializer) Compute(_ float64, x *mat.VecDense, _ float64) (*mat.VecDense, *mat.VecDense) {
	return mat.NewVecDense(z.NU, nil), ocmath.CloneVec(x)
}

func (z *ZeroInitializer) Clone() ocproblem.Initializer { return &ZeroInitializer{NU: z.NU} }

// CircleDriftCost penalizes leaving the unit circle plus control effort:
// L = ½·wc·(xᵀx − 1)² + ½·wu·uᵀu, with a Gauss-Newton quadratic model.
type CircleDriftCost struct {
	WCircle float64
	WInput  float64
}

func (c *CircleDriftCost) Value(_ float64, x, u *mat.VecDense, _ *reference.TargetTrajectories, _ ocproblem.PreComputation) float64 {
	drift := mat.Dot(x, x) - 1.0
	return 0.5*c.WCircle*drift*drift + 0.5*c.WInput*mat.Dot(u, u)
}

func (c *CircleDriftCost) Quadratic(t float64, x, u *mat.VecDense, tt *reference.TargetTrajectories, pre ocproblem.PreComputation) *ocmath.ScalarQuad {
	nx, nu := x.Len(), u.Len()
	q := ocmath.NewScalarQuad(nx, nu)
	drift := mat.Dot(x, x) - 1.0
	q.F = c.Value(t, x, u, tt, pre)
	// d(drift)/dx = 2x; Gauss-Newton on the squared residual.
	for i := 0; i < nx; i++ {
		xi := x.AtVec(i)
		q.Fx.SetVec(i, c.WCircle*drift*2.0*xi)
		for j := 0; j < nx; j++ {
			q.Fxx.Set(i, j, c.WCircle*4.0*xi*x.AtVec(j))
		}
	}
	for i := 0; i < nu; i++ {
		q.Fu.SetVec(i, c.WInput*u.AtVec(i))
		q.Fuu.Set(i, i, c.WInput)
	}
	return q
}

func (c *CircleDriftCost) Clone() ocproblem.StateInputCost {
	cc := *c
	return &cc
}

// RadialInputConstraint pins the radial input component: g = xᵀu = 0.
type RadialInputConstraint struct{}

func (RadialInputConstraint) NumConstraints(float64) int { return 1 }

func (RadialInputConstraint) Value(_ float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.Vec(mat.Dot(x, u))
}

func (RadialInputConstraint) Linear(_ float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *ocmath.VectorLinear {
	nx, nu := x.Len(), u.Len()
	gx := mat.NewDense(1, nx, nil)
	gu := mat.NewDense(1, nu, nil)
	for i := 0; i < nx; i++ {
		gx.Set(0, i, u.AtVec(i))
	}
	for i := 0; i < nu; i++ {
		gu.Set(0, i, x.AtVec(i))
	}
	return &ocmath.VectorLinear{Dfdx: gx, Dfdu: gu, F: ocmath.Vec(mat.Dot(x, u))}
}

func (RadialInputConstraint) Clone() ocproblem.StateInputConstraint { return RadialInputConstraint{} }

// SineInputConstraint binds the first input to a sine profile:
// g = u₀ − sin(t) = 0.
type SineInputConstraint struct{}

func (SineInputConstraint) NumConstraints(float64) int { return 1 }

func (SineInputConstraint) Value(t float64, _, u *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.Vec(u.AtVec(0) - math.Sin(t))
}

func (SineInputConstraint) Linear(t float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *ocmath.VectorLinear {
	gx := mat.NewDense(1, x.Len(), nil)
	gu := mat.NewDense(1, u.Len(), nil)
	gu.Set(0, 0, 1)
	return &ocmath.VectorLinear{Dfdx: gx, Dfdu: gu, F: ocmath.Vec(u.AtVec(0) - math.Sin(t))}
}

func (SineInputConstraint) Clone() ocproblem.StateInputConstraint { return SineInputConstraint{} }
