// Package rollout integrates the flow map of an optimal control problem
// over an annotated time grid, applying jump maps at event nodes, and
// provides the sensitivity discretization used by the approximation stage.
package rollout

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
)

// Method selects the Runge-Kutta scheme.
type Method int

const (
	Euler Method = iota
	Midpoint
	RK4
	DormandPrince
)

func (m Method) String() string {
	switch m {
	case Euler:
		return "euler"
	case Midpoint:
		return "midpoint"
	case RK4:
		return "rk4"
	case DormandPrince:
		return "dopri"
	}
	return "unknown"
}

// Config bounds the integration of one rollout.
type Config struct {
	Method            Method
	AbsTol            float64
	RelTol            float64
	MaxStepsPerSecond int
}

func DefaultConfig() Config {
	return Config{Method: RK4, AbsTol: 1e-9, RelTol: 1e-6, MaxStepsPerSecond: 10000}
}

// tableau is an explicit Runge-Kutta Butcher tableau.
type tableau struct {
	a [][]float64
	b []float64
	c []float64
}

var (
	eulerTab = tableau{
		a: [][]float64{{}},
		b: []float64{1},
		c: []float64{0},
	}
	midpointTab = tableau{
		a: [][]float64{{}, {0.5}},
		b: []float64{0, 1},
		c: []float64{0, 0.5},
	}
	rk4Tab = tableau{
		a: [][]float64{{}, {0.5}, {0, 0.5}, {0, 0, 1}},
		b: []float64{1.0 / 6.0, 1.0 / 3.0, 1.0 / 3.0, 1.0 / 6.0},
		c: []float64{0, 0.5, 0.5, 1},
	}
)

func (m Method) tableau() tableau {
	switch m {
	case Euler:
		return eulerTab
	case Midpoint:
		return midpointTab
	default:
		return rk4Tab
	}
}

// rkStep advances x by dt under frozen input u with the given tableau.
func rkStep(tab tableau, dyn ocproblem.Dynamics, pre ocproblem.PreComputation, t float64, x, u *mat.VecDense, dt float64) *mat.VecDense {
	n := x.Len()
	stages := make([]*mat.VecDense, len(tab.b))
	xs := mat.NewVecDense(n, nil)
	for i := range stages {
		xs.CopyVec(x)
		for j := 0; j < i; j++ {
			if tab.a[i][j] != 0 {
				xs.AddScaledVec(xs, dt*tab.a[i][j], stages[j])
			}
		}
		ti := t + tab.c[i]*dt
		pre.Request(ocproblem.RequestDynamics, ti, xs, u)
		stages[i] = dyn.Flow(ti, xs, u, pre)
	}
	out := ocmath.CloneVec(x)
	for i, bi := range tab.b {
		if bi != 0 {
			out.AddScaledVec(out, dt*bi, stages[i])
		}
	}
	return out
}

// Step advances x by dt with frozen input u using a fixed-step scheme.
// DormandPrince callers should use a full rollout instead; here it falls
// back to RK4.
func Step(m Method, dyn ocproblem.Dynamics, pre ocproblem.PreComputation, t float64, x, u *mat.VecDense, dt float64) *mat.VecDense {
	if m == DormandPrince {
		m = RK4
	}
	return rkStep(m.tableau(), dyn, pre, t, x, u, dt)
}

// Dormand-Prince 5(4) coefficients, as in the classic embedded pair.
var dopriTab = tableau{
	a: [][]float64{
		{},
		{1.0 / 5.0},
		{3.0 / 40.0, 9.0 / 40.0},
		{44.0 / 45.0, -56.0 / 15.0, 32.0 / 9.0},
		{19372.0 / 6561.0, -25360.0 / 2187.0, 64448.0 / 6561.0, -212.0 / 729.0},
		{9017.0 / 3168.0, -355.0 / 33.0, 46732.0 / 5247.0, 49.0 / 176.0, -5103.0 / 18656.0},
		{35.0 / 384.0, 0, 500.0 / 1113.0, 125.0 / 192.0, -2187.0 / 6784.0, 11.0 / 84.0},
	},
	b: []float64{35.0 / 384.0, 0, 500.0 / 1113.0, 125.0 / 192.0, -2187.0 / 6784.0, 11.0 / 84.0, 0},
	c: []float64{0, 1.0 / 5.0, 3.0 / 10.0, 4.0 / 5.0, 8.0 / 9.0, 1, 1},
}

// 5th-order minus embedded 4th-order weights, for the error estimate.
var dopriErr = []float64{
	35.0/384.0 - 5179.0/57600.0,
	0,
	500.0/1113.0 - 7571.0/16695.0,
	125.0/192.0 - 393.0/640.0,
	-2187.0/6784.0 + 92097.0/339200.0,
	11.0/84.0 - 187.0/2100.0,
	-1.0 / 40.0,
}

// dopriStep takes one embedded step and returns the new state, the max
// scaled error and the suggested next step size.
func dopriStep(dyn ocproblem.Dynamics, pre ocproblem.PreComputation, t float64, x, u *mat.VecDense, dt, absTol, relTol float64) (next *mat.VecDense, errRatio, dtNext float64) {
	const (
		safety   = 0.9
		minScale = 0.2
		maxScale = 10.0
	)
	n := x.Len()
	stages := make([]*mat.VecDense, 7)
	xs := mat.NewVecDense(n, nil)
	for i := 0; i < 7; i++ {
		xs.CopyVec(x)
		for j := 0; j < i; j++ {
			if dopriTab.a[i][j] != 0 {
				xs.AddScaledVec(xs, dt*dopriTab.a[i][j], stages[j])
			}
		}
		ti := t + dopriTab.c[i]*dt
		pre.Request(ocproblem.RequestDynamics, ti, xs, u)
		stages[i] = dyn.Flow(ti, xs, u, pre)
	}

	next = ocmath.CloneVec(x)
	for i, bi := range dopriTab.b {
		if bi != 0 {
			next.AddScaledVec(next, dt*bi, stages[i])
		}
	}

	errMax := 0.0
	for i := 0; i < n; i++ {
		e := 0.0
		for s, w := range dopriErr {
			e += w * stages[s].AtVec(i)
		}
		e *= dt
		scale := absTol + relTol*math.Max(math.Abs(x.AtVec(i)), math.Abs(next.AtVec(i)))
		errMax = math.Max(errMax, math.Abs(e)/scale)
	}

	if errMax > 1 {
		dtNext = dt * math.Max(minScale, safety*math.Pow(errMax, -0.25))
	} else if errMax > 0 {
		dtNext = dt * math.Min(maxScale, safety*math.Pow(errMax, -0.2))
	} else {
		dtNext = dt * maxScale
	}
	return next, errMax, dtNext
}
