package rollout

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
)

// Discretizer produces the discrete transition model of one interval,
//
//	x_{k+1} ≈ F + A·dx + B·du
//
// by propagating flow-map Jacobians through the Runge-Kutta stages:
//
//	k_i    = f(t + c_i·dt, x + dt·Σ a_ij·k_j, u)
//	∂k_i/∂x = fx_i·(I + dt·Σ a_ij·∂k_j/∂x)
//	∂k_i/∂u = fx_i·(dt·Σ a_ij·∂k_j/∂u) + fu_i
type Discretizer struct {
	tab tableau
}

// NewDiscretizer builds a sensitivity discretizer for the given method.
// DormandPrince is not sensitivity-aware; it falls back to RK4 stages.
func NewDiscretizer(m Method) *Discretizer {
	if m == DormandPrince {
		m = RK4
	}
	return &Discretizer{tab: m.tableau()}
}

// Linearize returns {Dfdx: A, Dfdu: B, F: Φ(x,u)} for one interval of
// length dt starting at t.
func (d *Discretizer) Linearize(dyn ocproblem.Dynamics, pre ocproblem.PreComputation, t, dt float64, x, u *mat.VecDense) *ocmath.VectorLinear {
	nx := x.Len()
	nu := 0
	if u != nil {
		nu = u.Len()
	}
	nStages := len(d.tab.b)

	ks := make([]*mat.VecDense, nStages)
	dkdx := make([]*mat.Dense, nStages)
	dkdu := make([]*mat.Dense, nStages)

	xs := mat.NewVecDense(nx, nil)
	eye := identity(nx)

	for i := 0; i < nStages; i++ {
		xs.CopyVec(x)
		for j := 0; j < i; j++ {
			if d.tab.a[i][j] != 0 {
				xs.AddScaledVec(xs, dt*d.tab.a[i][j], ks[j])
			}
		}
		ti := t + d.tab.c[i]*dt
		pre.Request(ocproblem.RequestDynamics|ocproblem.RequestApproximation, ti, xs, u)
		lin := dyn.FlowLinear(ti, xs, u, pre)
		ks[i] = lin.F

		// ∂x_stage/∂x = I + dt·Σ a_ij·∂k_j/∂x
		sx := cloneOf(eye)
		for j := 0; j < i; j++ {
			if d.tab.a[i][j] != 0 {
				sx.Add(sx, scaled(dkdx[j], dt*d.tab.a[i][j]))
			}
		}
		dkdx[i] = mulNew(lin.Dfdx, sx)

		if nu > 0 {
			su := mat.NewDense(nx, nu, nil)
			for j := 0; j < i; j++ {
				if d.tab.a[i][j] != 0 {
					su.Add(su, scaled(dkdu[j], dt*d.tab.a[i][j]))
				}
			}
			du := mulNew(lin.Dfdx, su)
			if lin.Dfdu != nil {
				du.Add(du, lin.Dfdu)
			}
			dkdu[i] = du
		}
	}

	A := cloneOf(eye)
	var B *mat.Dense
	if nu > 0 {
		B = mat.NewDense(nx, nu, nil)
	}
	next := ocmath.CloneVec(x)
	for i, bi := range d.tab.b {
		if bi == 0 {
			continue
		}
		next.AddScaledVec(next, dt*bi, ks[i])
		A.Add(A, scaled(dkdx[i], dt*bi))
		if nu > 0 {
			B.Add(B, scaled(dkdu[i], dt*bi))
		}
	}

	return &ocmath.VectorLinear{Dfdx: A, Dfdu: B, F: next}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func cloneOf(m *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.CloneFrom(m)
	return out
}

func scaled(m *mat.Dense, s float64) *mat.Dense {
	out := &mat.Dense{}
	out.Scale(s, m)
	return out
}

func mulNew(a, b *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.Mul(a, b)
	return out
}
