package approx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/examples"
	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/octime"
	"github.com/mkraev/trajopt/internal/rollout"
)

func circularIterate(t *testing.T, dt float64) (grid []octime.AnnotatedTime, x0 *mat.VecDense, xs, us []*mat.VecDense) {
	t.Helper()
	grid = octime.Discretize(0, 1, dt, nil)
	x0 = ocmath.Vec(1, 0)
	for range grid {
		xs = append(xs, ocmath.Vec(1, 0))
		us = append(us, ocmath.Vec(0.1, 0.2))
	}
	return grid, x0, xs, us
}

func TestApproximateShapes(t *testing.T) {
	prob := examples.NewCircularKinematicsProblem()
	grid, x0, xs, us := circularIterate(t, 0.1)

	pool := NewPool(prob, 1)
	appr := NewApproximator(pool, rollout.RK4, false)
	models, perf, err := appr.Approximate(context.Background(), grid, x0, xs, us)
	require.NoError(t, err)
	require.Len(t, models, len(grid))

	n := len(grid) - 1
	for i := 0; i < n; i++ {
		r, c := models[i].Dynamics.Dfdx.Dims()
		require.Equal(t, 2, r)
		require.Equal(t, 2, c)
		r, c = models[i].Dynamics.Dfdu.Dims()
		require.Equal(t, 2, r)
		require.Equal(t, 2, c)
		require.Equal(t, 1, models[i].EqConstraint.Rows())
	}
	// Terminal node carries no dynamics.
	require.Nil(t, models[n].Dynamics)
	require.Greater(t, perf.TotalCost, 0.0)
}

func TestApproximateEventNodeHasNoInputColumns(t *testing.T) {
	rm := examples.NewExp0ReferenceManager()
	schedule, _ := rm.Snapshot()
	prob := examples.NewExp0Problem(schedule)

	grid := octime.Discretize(0, 1, 0.05, schedule.EventTimes)
	x0 := ocmath.Vec(0, 2)
	var xs, us []*mat.VecDense
	for range grid {
		xs = append(xs, ocmath.Vec(0, 2))
		us = append(us, ocmath.Vec(0))
	}

	pool := NewPool(prob, 1)
	appr := NewApproximator(pool, rollout.Midpoint, false)
	models, _, err := appr.Approximate(context.Background(), grid, x0, xs, us)
	require.NoError(t, err)

	found := false
	for i, node := range grid[:len(grid)-1] {
		if node.Event == octime.PreEvent {
			found = true
			require.Nil(t, models[i].Dynamics.Dfdu, "event node must have zero input columns")
		}
	}
	require.True(t, found, "grid should contain an event node")
}

func TestApproximateParallelMatchesSerial(t *testing.T) {
	prob := examples.NewCircularKinematicsProblem()
	grid, x0, xs, us := circularIterate(t, 0.02)

	serial := NewApproximator(NewPool(prob, 1), rollout.RK4, false)
	parallel := NewApproximator(NewPool(prob, 8), rollout.RK4, false)

	ms, ps, err := serial.Approximate(context.Background(), grid, x0, xs, us)
	require.NoError(t, err)
	mp, pp, err := parallel.Approximate(context.Background(), grid, x0, xs, us)
	require.NoError(t, err)

	// Node models are keyed by index, not completion order.
	for i := range ms {
		if ms[i].Dynamics == nil {
			require.Nil(t, mp[i].Dynamics)
			continue
		}
		require.InDelta(t, ms[i].Cost.F, mp[i].Cost.F, 1e-12)
		require.InDelta(t, ms[i].Dynamics.F.AtVec(0), mp[i].Dynamics.F.AtVec(0), 1e-12)
	}
	require.InDelta(t, ps.TotalCost, pp.TotalCost, 1e-9)
	require.InDelta(t, ps.StateInputEqISE, pp.StateInputEqISE, 1e-9)
}

func TestApproximateChargesInitialStateDefect(t *testing.T) {
	prob := examples.NewCircularKinematicsProblem()
	grid, _, xs, us := circularIterate(t, 0.25)

	appr := NewApproximator(NewPool(prob, 1), rollout.RK4, false)
	shifted := ocmath.Vec(1.3, 0.4) // ‖x0 - xs[0]‖² = 0.09 + 0.16
	_, perf, err := appr.Approximate(context.Background(), grid, shifted, xs, us)
	require.NoError(t, err)
	require.GreaterOrEqual(t, perf.StateEqISE, 0.25-1e-9)
}

func TestProjectionProperties(t *testing.T) {
	// Constraint g + Gx·dx + Gu·du = 0 with a wide full-row-rank Gu.
	eq := &ocmath.VectorLinear{
		Dfdx: mat.NewDense(1, 2, []float64{0.3, -0.7}),
		Dfdu: mat.NewDense(1, 2, []float64{1.0, 0.5}),
		F:    ocmath.Vec(0.2),
	}
	proj := Project(eq)
	require.NotNil(t, proj)

	// Gu·Pu ≈ 0
	var gp mat.Dense
	gp.Mul(eq.Dfdu, proj.Dfdu)
	require.InDelta(t, 0.0, gp.At(0, 0), 1e-12)

	// Gu·p0 + g ≈ 0
	gp0 := mat.NewVecDense(1, nil)
	gp0.MulVec(eq.Dfdu, proj.F)
	require.InDelta(t, -eq.F.AtVec(0), gp0.AtVec(0), 1e-12)

	// Gu·Px + Gx ≈ 0, so any dx keeps the constraint satisfied.
	var gpx mat.Dense
	gpx.Mul(eq.Dfdu, proj.Dfdx)
	require.InDelta(t, -eq.Dfdx.At(0, 0), gpx.At(0, 0), 1e-12)
	require.InDelta(t, -eq.Dfdx.At(0, 1), gpx.At(0, 1), 1e-12)
}

func TestProjectSquareConstraintConsumesAllInputs(t *testing.T) {
	eq := &ocmath.VectorLinear{
		Dfdx: mat.NewDense(1, 1, []float64{2.0}),
		Dfdu: mat.NewDense(1, 1, []float64{4.0}),
		F:    ocmath.Vec(1.0),
	}
	proj := Project(eq)
	require.NotNil(t, proj)
	require.Nil(t, proj.Dfdu, "square constraint leaves no free input direction")
	require.InDelta(t, -0.25, proj.F.AtVec(0), 1e-12)
	require.InDelta(t, -0.5, proj.Dfdx.At(0, 0), 1e-12)
}

func TestProjectionDisabledWithoutConstraints(t *testing.T) {
	plain := examples.NewUnconstrainedCircularProblem()
	appr := NewApproximator(NewPool(plain, 1), rollout.RK4, true)
	require.False(t, appr.Projecting(), "projection must auto-disable with no equality constraints")
}
