package rollout

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/octime"
)

// oscillator is ẋ = (x₂, -x₁), an input-free harmonic oscillator.
type oscillator struct{}

func (oscillator) StateDim() int { return 2 }
func (oscillator) InputDim() int { return 1 }

func (oscillator) Flow(_ float64, x, _ *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.Vec(x.AtVec(1), -x.AtVec(0))
}

func (o oscillator) FlowLinear(t float64, x, u *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	return &ocmath.VectorLinear{
		Dfdx: mat.NewDense(2, 2, []float64{0, 1, -1, 0}),
		Dfdu: mat.NewDense(2, 1, nil),
		F:    o.Flow(t, x, u, pre),
	}
}

func (oscillator) Clone() ocproblem.Dynamics { return oscillator{} }

// scalarAffine is ẋ = a·x + b·u.
type scalarAffine struct{ a, b float64 }

func (scalarAffine) StateDim() int { return 1 }
func (scalarAffine) InputDim() int { return 1 }

func (s scalarAffine) Flow(_ float64, x, u *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	return ocmath.Vec(s.a*x.AtVec(0) + s.b*u.AtVec(0))
}

func (s scalarAffine) FlowLinear(t float64, x, u *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	return &ocmath.VectorLinear{
		Dfdx: mat.NewDense(1, 1, []float64{s.a}),
		Dfdu: mat.NewDense(1, 1, []float64{s.b}),
		F:    s.Flow(t, x, u, pre),
	}
}

func (s scalarAffine) Clone() ocproblem.Dynamics { return s }

type zeroPolicy struct{ nu int }

func (p zeroPolicy) Input(float64, *mat.VecDense) *mat.VecDense {
	return mat.NewVecDense(p.nu, nil)
}

func TestRK4Accuracy(t *testing.T) {
	dyn := oscillator{}
	pre := ocproblem.NoPreComputation{}
	x := ocmath.Vec(1, 0)
	u := ocmath.Vec(0)
	dt := 0.01
	steps := 100

	for i := 0; i < steps; i++ {
		x = Step(RK4, dyn, pre, float64(i)*dt, x, u, dt)
	}

	wantPos := math.Cos(float64(steps) * dt)
	wantVel := -math.Sin(float64(steps) * dt)
	if math.Abs(x.AtVec(0)-wantPos) > 1e-6 {
		t.Errorf("position error too large: got %.8f, expected %.8f", x.AtVec(0), wantPos)
	}
	if math.Abs(x.AtVec(1)-wantVel) > 1e-6 {
		t.Errorf("velocity error too large: got %.8f, expected %.8f", x.AtVec(1), wantVel)
	}
}

func TestEulerOrder(t *testing.T) {
	// Euler on ẋ = -x over one step of h: x1 = 1 - h.
	dyn := scalarAffine{a: -1, b: 0}
	pre := ocproblem.NoPreComputation{}
	got := Step(Euler, dyn, pre, 0, ocmath.Vec(1), ocmath.Vec(0), 0.1)
	require.InDelta(t, 0.9, got.AtVec(0), 1e-12)
}

func TestSensitivityMatchesFiniteDifference(t *testing.T) {
	dyn := scalarAffine{a: -0.7, b: 0.3}
	pre := ocproblem.NoPreComputation{}
	disc := NewDiscretizer(RK4)
	x := ocmath.Vec(0.8)
	u := ocmath.Vec(0.5)
	dt := 0.05

	lin := disc.Linearize(dyn, pre, 0, dt, x, u)

	const h = 1e-6
	base := Step(RK4, dyn, pre, 0, x, u, dt).AtVec(0)
	xp := Step(RK4, dyn, pre, 0, ocmath.Vec(0.8+h), u, dt).AtVec(0)
	up := Step(RK4, dyn, pre, 0, x, ocmath.Vec(0.5+h), dt).AtVec(0)

	require.InDelta(t, (xp-base)/h, lin.Dfdx.At(0, 0), 1e-6)
	require.InDelta(t, (up-base)/h, lin.Dfdu.At(0, 0), 1e-6)
	require.InDelta(t, base, lin.F.AtVec(0), 1e-12)
}

// jumpy halves the state at events.
type jumpy struct{ scalarAffine }

func (j jumpy) Jump(_ float64, x *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	out := ocmath.CloneVec(x)
	out.ScaleVec(0.5, out)
	return out
}

func (j jumpy) JumpLinear(t float64, x *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	return &ocmath.VectorLinear{
		Dfdx: mat.NewDense(1, 1, []float64{0.5}),
		F:    j.Jump(t, x, pre),
	}
}

func (jumpy) Guard(float64, *mat.VecDense) *mat.VecDense { return nil }

func TestRunAppliesJumpAtEvent(t *testing.T) {
	dyn := jumpy{scalarAffine{a: 0, b: 0}} // frozen flow isolates the jump
	grid := octime.Discretize(0, 1, 0.25, []float64{0.5})
	res, err := Run(dyn, ocproblem.NoPreComputation{}, zeroPolicy{nu: 1}, grid, ocmath.Vec(2), DefaultConfig())
	require.NoError(t, err)

	require.Len(t, res.PostEventIndices, 1)
	post := res.PostEventIndices[0]
	require.InDelta(t, 2.0, res.States[post-1].AtVec(0), 1e-9)
	require.InDelta(t, 1.0, res.States[post].AtVec(0), 1e-9)

	// Input slot at the event node is empty; lengths stay aligned.
	require.Nil(t, res.Inputs[post-1])
	require.Equal(t, len(res.States), len(res.Inputs))
	require.Equal(t, len(res.States), len(res.Times))
}

// explosive diverges in finite time: ẋ = x².
type explosive struct{}

func (explosive) StateDim() int { return 1 }
func (explosive) InputDim() int { return 1 }

func (explosive) Flow(_ float64, x, _ *mat.VecDense, _ ocproblem.PreComputation) *mat.VecDense {
	v := x.AtVec(0)
	return ocmath.Vec(v * v)
}

func (e explosive) FlowLinear(t float64, x, u *mat.VecDense, pre ocproblem.PreComputation) *ocmath.VectorLinear {
	return &ocmath.VectorLinear{
		Dfdx: mat.NewDense(1, 1, []float64{2 * x.AtVec(0)}),
		Dfdu: mat.NewDense(1, 1, nil),
		F:    e.Flow(t, x, u, pre),
	}
}

func (explosive) Clone() ocproblem.Dynamics { return explosive{} }

func TestRunDiverged(t *testing.T) {
	grid := octime.Discretize(0, 5, 0.5, nil)
	cfg := Config{Method: DormandPrince, AbsTol: 1e-9, RelTol: 1e-6, MaxStepsPerSecond: 100}
	_, err := Run(explosive{}, ocproblem.NoPreComputation{}, zeroPolicy{nu: 1}, grid, ocmath.Vec(10), cfg)
	if err == nil {
		t.Fatal("expected divergence error")
	}
	if !errors.Is(err, ErrRolloutDiverged) && !errors.Is(err, ErrStepTooSmall) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDormandPrinceMatchesRK4(t *testing.T) {
	grid := octime.Discretize(0, 1, 0.1, nil)
	x0 := ocmath.Vec(1, 0)

	fixed, err := Run(oscillator{}, ocproblem.NoPreComputation{}, zeroPolicy{nu: 1}, grid, x0, DefaultConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Method = DormandPrince
	adaptive, err := Run(oscillator{}, ocproblem.NoPreComputation{}, zeroPolicy{nu: 1}, grid, x0, cfg)
	require.NoError(t, err)

	last := len(grid) - 1
	require.InDelta(t, fixed.States[last].AtVec(0), adaptive.States[last].AtVec(0), 1e-5)
}
