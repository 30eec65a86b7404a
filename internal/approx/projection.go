package approx

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
)

// Project builds the null-space substitution that eliminates a full-row-rank
// state-input equality constraint g + Gx·dx + Gu·du = 0:
//
//	du = p0 + Px·dx + Pu·δũ
//
// with Pu an orthonormal basis of ker(Gu), Px = -Gu⁺·Gx and p0 = -Gu⁺·g,
// from a full QR decomposition of Guᵀ. By construction Gu·Pu = 0 and
// Gu·p0 + g = 0.
func Project(eq *ocmath.VectorLinear) *ocmath.VectorLinear {
	m := eq.Rows()
	if m == 0 || eq.Dfdu == nil {
		return nil
	}
	_, nu := eq.Dfdu.Dims()
	if m > nu {
		return nil
	}

	var guT mat.Dense
	guT.CloneFrom(eq.Dfdu.T())

	var qr mat.QR
	qr.Factorize(&guT)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	q1 := q.Slice(0, nu, 0, m).(*mat.Dense)
	r1 := r.Slice(0, m, 0, m).(*mat.Dense)

	// Gu⁺·M = Q1·(R1⁻ᵀ·M) for any right-hand side M.
	applyPinv := func(rhs mat.Matrix) *mat.Dense {
		var y mat.Dense
		if err := y.Solve(r1.T(), rhs); err != nil {
			return nil
		}
		var out mat.Dense
		out.Mul(q1, &y)
		return &out
	}

	proj := &ocmath.VectorLinear{}

	if nu > m {
		var pu mat.Dense
		pu.CloneFrom(q.Slice(0, nu, m, nu))
		proj.Dfdu = &pu
	} else {
		// Constraint consumes every input direction; δũ is empty.
		proj.Dfdu = nil
	}

	px := applyPinv(eq.Dfdx)
	if px == nil {
		return nil
	}
	px.Scale(-1, px)
	proj.Dfdx = px

	p0m := applyPinv(eq.F)
	if p0m == nil {
		return nil
	}
	p0 := mat.NewVecDense(nu, nil)
	for i := 0; i < nu; i++ {
		p0.SetVec(i, -p0m.At(i, 0))
	}
	proj.F = p0
	return proj
}

// ExpandInput maps a projected input direction back to original
// coordinates: du = p0 + Px·dx + Pu·δũ.
func ExpandInput(proj *ocmath.VectorLinear, dx, duTilde *mat.VecDense) *mat.VecDense {
	du := ocmath.CloneVec(proj.F)
	tmp := mat.NewVecDense(du.Len(), nil)
	tmp.MulVec(proj.Dfdx, dx)
	du.AddVec(du, tmp)
	if proj.Dfdu != nil && duTilde != nil && duTilde.Len() > 0 {
		tmp.MulVec(proj.Dfdu, duTilde)
		du.AddVec(du, tmp)
	}
	return du
}

// ExpandGain maps a feedback gain computed in projected coordinates to
// original input coordinates: K = Px + Pu·K̃.
func ExpandGain(proj *ocmath.VectorLinear, kTilde *mat.Dense) *mat.Dense {
	var k mat.Dense
	k.CloneFrom(proj.Dfdx)
	if proj.Dfdu != nil && kTilde != nil {
		var t mat.Dense
		t.Mul(proj.Dfdu, kTilde)
		k.Add(&k, &t)
	}
	return &k
}

// ProjectCost rewrites a stage cost in (dx, δũ) coordinates after the
// substitution du = p0 + Px·dx + Pu·δũ.
func ProjectCost(q *ocmath.ScalarQuad, proj *ocmath.VectorLinear) *ocmath.ScalarQuad {
	px, p0 := proj.Dfdx, proj.F
	nx := q.Fx.Len()
	nTilde := 0
	if proj.Dfdu != nil {
		_, nTilde = proj.Dfdu.Dims()
	}

	// gu = Fu + Fuu·p0, the input gradient shifted by the feedforward part.
	gu := ocmath.CloneVec(q.Fu)
	tmp := mat.NewVecDense(gu.Len(), nil)
	tmp.MulVec(q.Fuu, p0)
	gu.AddVec(gu, tmp)

	out := ocmath.NewScalarQuad(nx, nTilde)
	out.F = q.F + mat.Dot(q.Fu, p0) + 0.5*quadForm(q.Fuu, p0)

	// Fx' = Fx + Pxᵀ·gu + Fuxᵀ·p0
	out.Fx.CopyVec(q.Fx)
	tmpX := mat.NewVecDense(nx, nil)
	tmpX.MulVec(px.T(), gu)
	out.Fx.AddVec(out.Fx, tmpX)
	tmpX.MulVec(q.Fux.T(), p0)
	out.Fx.AddVec(out.Fx, tmpX)

	// Fxx' = Fxx + Pxᵀ·Fuu·Px + Pxᵀ·Fux + Fuxᵀ·Px
	var fuuPx, t1 mat.Dense
	fuuPx.Mul(q.Fuu, px)
	t1.Mul(px.T(), &fuuPx)
	out.Fxx.Add(q.Fxx, &t1)
	var t2 mat.Dense
	t2.Mul(px.T(), q.Fux)
	out.Fxx.Add(out.Fxx, &t2)
	out.Fxx.Add(out.Fxx, t2.T())

	if nTilde > 0 {
		pu := proj.Dfdu
		// Fu~ = Puᵀ·gu ; Fuu~ = Puᵀ·Fuu·Pu ; Fux~ = Puᵀ·(Fuu·Px + Fux)
		out.Fu.MulVec(pu.T(), gu)
		var fuuPu, tuu mat.Dense
		fuuPu.Mul(q.Fuu, pu)
		tuu.Mul(pu.T(), &fuuPu)
		out.Fuu.CloneFrom(&tuu)
		var mix mat.Dense
		mix.Add(&fuuPx, q.Fux)
		out.Fux.Mul(pu.T(), &mix)
	}
	return out
}

// ProjectDynamics rewrites stage dynamics under the same substitution:
// A' = A + B·Px, B' = B·Pu, c' = c + B·p0.
func ProjectDynamics(d *ocmath.VectorLinear, proj *ocmath.VectorLinear) *ocmath.VectorLinear {
	out := &ocmath.VectorLinear{}
	var bpx mat.Dense
	bpx.Mul(d.Dfdu, proj.Dfdx)
	var a mat.Dense
	a.Add(d.Dfdx, &bpx)
	out.Dfdx = &a

	if proj.Dfdu != nil {
		var b mat.Dense
		b.Mul(d.Dfdu, proj.Dfdu)
		out.Dfdu = &b
	}

	c := ocmath.CloneVec(d.F)
	tmp := mat.NewVecDense(c.Len(), nil)
	tmp.MulVec(d.Dfdu, proj.F)
	c.AddVec(c, tmp)
	out.F = c
	return out
}

func quadForm(m *mat.Dense, v *mat.VecDense) float64 {
	tmp := mat.NewVecDense(v.Len(), nil)
	tmp.MulVec(m, v)
	return mat.Dot(v, tmp)
}
