package ddp

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/approx"
	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/settings"
)

// Modification carries the search strategy's Riccati-equation adjustments
// into the backward pass. RiccatiMultiple is the Levenberg-Marquardt μ
// added to every stage control Hessian.
type Modification struct {
	RiccatiMultiple float64
}

// BackwardPassResult is the affine feedback law and the value-function
// approximation of one Riccati sweep, in original input coordinates.
// The predicted merit reduction of a step of length α is
// -(α·DeltaV1 + α²·DeltaV2).
type BackwardPassResult struct {
	Gains       []*mat.Dense
	Feedforward []*mat.VecDense
	Sm          []*mat.Dense
	Sv          []*mat.VecDense
	DeltaV1     float64
	DeltaV2     float64
	// ControllerUpdateIS is the sum of ‖k‖² over the nodes (not weighted by
	// the interval durations), the line-search baseline update measure.
	ControllerUpdateIS float64
}

// BackwardPass runs the sequential Riccati recursion over the node models.
// Equality constraints with a projection are eliminated exactly; without
// one they enter through a quadratic penalty of weight eqPenalty.
func BackwardPass(models []approx.Model, corr settings.LineSearch, mod Modification, eqPenalty float64) (*BackwardPassResult, error) {
	n := len(models) - 1
	res := &BackwardPassResult{
		Gains:       make([]*mat.Dense, n),
		Feedforward: make([]*mat.VecDense, n),
		Sm:          make([]*mat.Dense, n+1),
		Sv:          make([]*mat.VecDense, n+1),
	}

	// Terminal initialization from the terminal cost (plus penalty on any
	// terminal equality constraint).
	termCost := models[n].Cost.Clone()
	foldEqualityPenalty(termCost, models[n].EqConstraint, eqPenalty)
	S := cloneDense(termCost.Fxx)
	s := ocmath.CloneVec(termCost.Fx)
	res.Sm[n], res.Sv[n] = S, s

	for i := n - 1; i >= 0; i-- {
		m := models[i]
		cost := m.Cost
		dyn := m.Dynamics
		var proj *ocmath.VectorLinear

		if m.EqConstraint.Rows() > 0 {
			if m.Projection != nil {
				proj = m.Projection
				cost = approx.ProjectCost(cost, proj)
				dyn = approx.ProjectDynamics(dyn, proj)
			} else {
				cost = cost.Clone()
				foldEqualityPenalty(cost, m.EqConstraint, eqPenalty)
			}
		}

		A, B, c := dyn.Dfdx, dyn.Dfdu, dyn.F

		// sc = s + S·c
		sc := ocmath.CloneVec(s)
		tmp := mat.NewVecDense(sc.Len(), nil)
		tmp.MulVec(S, c)
		sc.AddVec(sc, tmp)

		var SA mat.Dense
		SA.Mul(S, A)

		if B == nil {
			// Event node or fully constrained stage: no decision variable.
			var Sn mat.Dense
			Sn.Mul(A.T(), &SA)
			Sn.Add(&Sn, cost.Fxx)
			sn := ocmath.CloneVec(cost.Fx)
			t2 := mat.NewVecDense(sn.Len(), nil)
			t2.MulVec(A.T(), sc)
			sn.AddVec(sn, t2)
			S, s = symmetrize(&Sn), sn
			res.Sm[i], res.Sv[i] = S, s
			if proj != nil {
				// The input is fully determined by the constraint.
				res.Feedforward[i] = ocmath.CloneVec(proj.F)
				res.Gains[i] = approx.ExpandGain(proj, nil)
				res.ControllerUpdateIS += mat.Dot(proj.F, proj.F)
			}
			continue
		}

		// Hamiltonian blocks.
		var SB, Huu, Hux mat.Dense
		SB.Mul(S, B)
		Huu.Mul(B.T(), &SB)
		Huu.Add(&Huu, cost.Fuu)
		Hux.Mul(B.T(), &SA)
		Hux.Add(&Hux, cost.Fux)
		nu := cost.Fu.Len()
		hu := ocmath.CloneVec(cost.Fu)
		tmpU := mat.NewVecDense(nu, nil)
		tmpU.MulVec(B.T(), sc)
		hu.AddVec(hu, tmpU)

		// Strategy augmentation, then positive-definiteness repair.
		if mod.RiccatiMultiple > 0 {
			for d := 0; d < nu; d++ {
				Huu.Set(d, d, Huu.At(d, d)+mod.RiccatiMultiple)
			}
		}
		if !shiftHessian(corr.HessianCorrectionStrategy, &Huu, corr.HessianCorrectionMultiple) {
			return nil, backwardPassFailed(i)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(ocmath.DenseToSym(&Huu)); !ok {
			return nil, backwardPassFailed(i)
		}
		var K mat.Dense
		if err := chol.SolveTo(&K, &Hux); err != nil {
			return nil, backwardPassFailed(i)
		}
		K.Scale(-1, &K)
		k := mat.NewVecDense(nu, nil)
		if err := chol.SolveVecTo(k, hu); err != nil {
			return nil, backwardPassFailed(i)
		}
		k.ScaleVec(-1, k)

		// Expected merit reduction terms.
		res.DeltaV1 += mat.Dot(k, hu)
		var hk mat.VecDense
		hk.MulVec(&Huu, k)
		res.DeltaV2 += 0.5 * mat.Dot(k, &hk)

		// Value function recursion.
		var Sn, HK mat.Dense
		Sn.Mul(A.T(), &SA)
		Sn.Add(&Sn, cost.Fxx)
		HK.Mul(Hux.T(), &K)
		Sn.Add(&Sn, &HK)
		sn := ocmath.CloneVec(cost.Fx)
		tX := mat.NewVecDense(sn.Len(), nil)
		tX.MulVec(A.T(), sc)
		sn.AddVec(sn, tX)
		tX.MulVec(Hux.T(), k)
		sn.AddVec(sn, tX)
		S, s = symmetrize(&Sn), sn
		res.Sm[i], res.Sv[i] = S, s

		// Map the law back to original input coordinates.
		if proj != nil {
			res.Feedforward[i] = approx.ExpandInput(proj, zeroVec(proj.Dfdx), k)
			res.Gains[i] = approx.ExpandGain(proj, &K)
		} else {
			res.Feedforward[i] = k
			res.Gains[i] = &K
		}
		res.ControllerUpdateIS += mat.Dot(res.Feedforward[i], res.Feedforward[i])
	}
	return res, nil
}

// foldEqualityPenalty adds ρ·‖g + Gx·dx + Gu·du‖² (Gauss-Newton) to the
// cost model.
func foldEqualityPenalty(cost *ocmath.ScalarQuad, eq *ocmath.VectorLinear, rho float64) {
	ng := eq.Rows()
	if ng == 0 || rho <= 0 {
		return
	}
	nx := cost.Fx.Len()
	nu := 0
	if cost.Fu != nil {
		nu = cost.Fu.Len()
	}
	for k := 0; k < ng; k++ {
		g := eq.F.AtVec(k)
		cost.F += rho * g * g
		for i := 0; i < nx; i++ {
			gi := eq.Dfdx.At(k, i)
			cost.Fx.SetVec(i, cost.Fx.AtVec(i)+2*rho*g*gi)
			for j := 0; j < nx; j++ {
				cost.Fxx.Set(i, j, cost.Fxx.At(i, j)+2*rho*gi*eq.Dfdx.At(k, j))
			}
		}
		if nu == 0 || eq.Dfdu == nil {
			continue
		}
		for a := 0; a < nu; a++ {
			ga := eq.Dfdu.At(k, a)
			cost.Fu.SetVec(a, cost.Fu.AtVec(a)+2*rho*g*ga)
			for b := 0; b < nu; b++ {
				cost.Fuu.Set(a, b, cost.Fuu.At(a, b)+2*rho*ga*eq.Dfdu.At(k, b))
			}
			for j := 0; j < nx; j++ {
				cost.Fux.Set(a, j, cost.Fux.At(a, j)+2*rho*ga*eq.Dfdx.At(k, j))
			}
		}
	}
}

func zeroVec(px *mat.Dense) *mat.VecDense {
	_, nx := px.Dims()
	return mat.NewVecDense(nx, nil)
}

func cloneDense(m *mat.Dense) *mat.Dense {
	out := &mat.Dense{}
	out.CloneFrom(m)
	return out
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
