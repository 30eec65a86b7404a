package qp

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/approx"
	"github.com/mkraev/trajopt/internal/ocmath"
)

// Riccati is the reference structured-QP backend: a discrete-time LQR
// sweep with affine terms. Every row of a stage constraint is treated as an
// equality and eliminated by null-space projection onto the stage input; a
// stage constraint that cannot be projected (no input Jacobian, or more rows
// than inputs) yields a NumericalFailure status. Solve has no inequality
// input, so inequality constraints are not handled here.
type Riccati struct {
	sizes Sizes
}

func NewRiccati() *Riccati { return &Riccati{} }

func (r *Riccati) Resize(sizes Sizes) { r.sizes = sizes }

func (r *Riccati) Solve(dx0 *mat.VecDense, dyn []*ocmath.VectorLinear, cost []*ocmath.ScalarQuad, constr []*ocmath.VectorLinear) (Solution, error) {
	n := len(dyn)

	// Project stage equality constraints onto the input null space.
	projections := make([]*ocmath.VectorLinear, n)
	stageCost := make([]*ocmath.ScalarQuad, n+1)
	stageDyn := make([]*ocmath.VectorLinear, n)
	for i := 0; i < n; i++ {
		stageCost[i], stageDyn[i] = cost[i], dyn[i]
		if constr == nil || constr[i] == nil || constr[i].Rows() == 0 {
			continue
		}
		proj := approx.Project(constr[i])
		if proj == nil {
			return Solution{Status: NumericalFailure}, fmt.Errorf("%w: unprojectable stage constraint at node %d", ErrQPFailed, i)
		}
		projections[i] = proj
		stageCost[i] = approx.ProjectCost(cost[i], proj)
		stageDyn[i] = approx.ProjectDynamics(dyn[i], proj)
	}
	stageCost[n] = cost[n]

	sol, err := r.sweep(dx0, stageDyn, stageCost)
	if err != nil {
		return sol, err
	}

	// Expand projected inputs back to original coordinates.
	for i := 0; i < n; i++ {
		if projections[i] != nil {
			sol.Du[i] = approx.ExpandInput(projections[i], sol.Dx[i], sol.Du[i])
			if sol.Gains[i] != nil || projections[i].Dfdx != nil {
				sol.Gains[i] = approx.ExpandGain(projections[i], sol.Gains[i])
			}
		}
	}
	return sol, nil
}

// sweep runs the unconstrained affine Riccati recursion.
func (r *Riccati) sweep(dx0 *mat.VecDense, dyn []*ocmath.VectorLinear, cost []*ocmath.ScalarQuad) (Solution, error) {
	n := len(dyn)
	ks := make([]*mat.VecDense, n)
	gains := make([]*mat.Dense, n)

	// Terminal condition.
	s := ocmath.CloneVec(cost[n].Fx)
	S := cloneDense(cost[n].Fxx)

	for i := n - 1; i >= 0; i-- {
		A, B, c := dyn[i].Dfdx, dyn[i].Dfdu, dyn[i].F

		// sc = s + S·c
		sc := ocmath.CloneVec(s)
		tmp := mat.NewVecDense(sc.Len(), nil)
		tmp.MulVec(S, c)
		sc.AddVec(sc, tmp)

		var SA mat.Dense
		SA.Mul(S, A)

		if B == nil {
			// Uncontrolled stage (event node): propagate the value function.
			var Sn mat.Dense
			Sn.Mul(A.T(), &SA)
			Sn.Add(&Sn, cost[i].Fxx)
			sn := ocmath.CloneVec(cost[i].Fx)
			tmp2 := mat.NewVecDense(sn.Len(), nil)
			tmp2.MulVec(A.T(), sc)
			sn.AddVec(sn, tmp2)
			S, s = symmetrize(&Sn), sn
			continue
		}

		// Huu = R + Bᵀ·S·B, Hux = P + Bᵀ·S·A, hu = r + Bᵀ·(s + S·c)
		var SB, Huu, Hux mat.Dense
		SB.Mul(S, B)
		Huu.Mul(B.T(), &SB)
		Huu.Add(&Huu, cost[i].Fuu)
		Hux.Mul(B.T(), &SA)
		Hux.Add(&Hux, cost[i].Fux)
		hu := ocmath.CloneVec(cost[i].Fu)
		nu := hu.Len()
		tmpU := mat.NewVecDense(nu, nil)
		tmpU.MulVec(B.T(), sc)
		hu.AddVec(hu, tmpU)

		var chol mat.Cholesky
		if ok := chol.Factorize(ocmath.DenseToSym(&Huu)); !ok {
			return Solution{Status: NumericalFailure}, fmt.Errorf("%w: Huu not positive definite at node %d", ErrQPFailed, i)
		}
		var K mat.Dense
		if err := chol.SolveTo(&K, &Hux); err != nil {
			return Solution{Status: NumericalFailure}, err
		}
		K.Scale(-1, &K)
		k := mat.NewVecDense(nu, nil)
		if err := chol.SolveVecTo(k, hu); err != nil {
			return Solution{Status: NumericalFailure}, err
		}
		k.ScaleVec(-1, k)
		gains[i], ks[i] = &K, k

		// S ← Q + Aᵀ·S·A + Huxᵀ·K, s ← q + Aᵀ·(s + S·c) + Huxᵀ·k
		var Sn, HK mat.Dense
		Sn.Mul(A.T(), &SA)
		Sn.Add(&Sn, cost[i].Fxx)
		HK.Mul(Hux.T(), &K)
		Sn.Add(&Sn, &HK)
		sn := ocmath.CloneVec(cost[i].Fx)
		tmpX := mat.NewVecDense(sn.Len(), nil)
		tmpX.MulVec(A.T(), sc)
		sn.AddVec(sn, tmpX)
		tmpX.MulVec(Hux.T(), k)
		sn.AddVec(sn, tmpX)
		S, s = symmetrize(&Sn), sn
	}

	// Forward sweep.
	sol := Solution{
		Dx:     make([]*mat.VecDense, n+1),
		Du:     make([]*mat.VecDense, n),
		Gains:  gains,
		Status: Success,
	}
	sol.Dx[0] = ocmath.CloneVec(dx0)
	for i := 0; i < n; i++ {
		A, B, c := dyn[i].Dfdx, dyn[i].Dfdu, dyn[i].F
		next := ocmath.CloneVec(c)
		tmp := mat.NewVecDense(next.Len(), nil)
		tmp.MulVec(A, sol.Dx[i])
		next.AddVec(next, tmp)
		if B != nil {
			du := ocmath.CloneVec(ks[i])
			tmpU := mat.NewVecDense(du.Len(), nil)
			tmpU.MulVec(gains[i], sol.Dx[i])
			du.AddVec(du, tmpU)
			sol.Du[i] = du
			tmp.MulVec(B, du)
			next.AddVec(next, tmp)
		}
		sol.Dx[i+1] = next
	}
	return sol, nil
}

func symmetrize(m *mat.Dense) *mat.Dense {
	n, _ := m.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}

func cloneDense(m *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.CloneFrom(m)
	return out
}
