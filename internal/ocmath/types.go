package ocmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ScalarQuad is a local second-order model of a scalar function of (x, u):
//
//	f(x̂+dx, û+du) ≈ F + Fx·dx + Fu·du + ½ dxᵀ·Fxx·dx + duᵀ·Fux·dx + ½ duᵀ·Fuu·du
//
// Fxx and Fuu are kept symmetric by construction.
type ScalarQuad struct {
	Fxx *mat.Dense
	Fux *mat.Dense
	Fuu *mat.Dense
	Fx  *mat.VecDense
	Fu  *mat.VecDense
	F   float64
}

func NewScalarQuad(nx, nu int) *ScalarQuad {
	q := &ScalarQuad{}
	return q.SetZero(nx, nu)
}

// SetZero resizes all blocks to the given dimensions and zeroes them.
// A zero nu drops the input blocks entirely (state-only nodes).
func (q *ScalarQuad) SetZero(nx, nu int) *ScalarQuad {
	q.Fxx = zeroedDense(q.Fxx, nx, nx)
	q.Fx = zeroedVec(q.Fx, nx)
	if nu > 0 {
		q.Fux = zeroedDense(q.Fux, nu, nx)
		q.Fuu = zeroedDense(q.Fuu, nu, nu)
		q.Fu = zeroedVec(q.Fu, nu)
	} else {
		q.Fux, q.Fuu, q.Fu = nil, nil, nil
	}
	q.F = 0
	return q
}

// AddInPlace accumulates another model term-wise. Used to sum per-term costs.
func (q *ScalarQuad) AddInPlace(o *ScalarQuad) *ScalarQuad {
	if o == nil {
		return q
	}
	q.F += o.F
	addDense(q.Fxx, o.Fxx)
	addVec(q.Fx, o.Fx)
	addDense(q.Fux, o.Fux)
	addDense(q.Fuu, o.Fuu)
	addVec(q.Fu, o.Fu)
	return q
}

func (q *ScalarQuad) Clone() *ScalarQuad {
	c := &ScalarQuad{F: q.F}
	c.Fxx = cloneDense(q.Fxx)
	c.Fux = cloneDense(q.Fux)
	c.Fuu = cloneDense(q.Fuu)
	c.Fx = CloneVec(q.Fx)
	c.Fu = CloneVec(q.Fu)
	return c
}

// VectorLinear is a first-order model of a vector-valued function:
//
//	f(x̂+dx, û+du) ≈ F + Dfdx·dx + Dfdu·du
//
// Any field may be nil: a nil F means an empty (zero-row) model, a nil
// Dfdu means the function does not depend on the input.
type VectorLinear struct {
	Dfdx *mat.Dense
	Dfdu *mat.Dense
	F    *mat.VecDense
}

// Rows reports the output dimension of the model.
func (v *VectorLinear) Rows() int {
	if v == nil || v.F == nil {
		return 0
	}
	return v.F.Len()
}

func (v *VectorLinear) Clone() *VectorLinear {
	if v == nil {
		return nil
	}
	return &VectorLinear{
		Dfdx: cloneDense(v.Dfdx),
		Dfdu: cloneDense(v.Dfdu),
		F:    CloneVec(v.F),
	}
}

// VectorQuad extends VectorLinear with one symmetric (nx+nu) Hessian block
// per output row, for problem terms that carry second-order information.
type VectorQuad struct {
	VectorLinear
	Hessians []*mat.Dense
}

func zeroedDense(m *mat.Dense, r, c int) *mat.Dense {
	if r == 0 || c == 0 {
		return nil
	}
	if m == nil {
		return mat.NewDense(r, c, nil)
	}
	mr, mc := m.Dims()
	if mr != r || mc != c {
		return mat.NewDense(r, c, nil)
	}
	m.Zero()
	return m
}

func zeroedVec(v *mat.VecDense, n int) *mat.VecDense {
	if n == 0 {
		return nil
	}
	if v == nil || v.Len() != n {
		return mat.NewVecDense(n, nil)
	}
	v.Zero()
	return v
}

func addDense(dst, src *mat.Dense) {
	if dst == nil || src == nil {
		return
	}
	dst.Add(dst, src)
}

func addVec(dst, src *mat.VecDense) {
	if dst == nil || src == nil {
		return
	}
	dst.AddVec(dst, src)
}

func cloneDense(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	c := &mat.Dense{}
	c.CloneFrom(m)
	return c
}

// CloneVec deep-copies a vector, passing nil through.
func CloneVec(v *mat.VecDense) *mat.VecDense {
	if v == nil {
		return nil
	}
	c := &mat.VecDense{}
	c.CloneFromVec(v)
	return c
}

// Vec builds a VecDense from literal values.
func Vec(vals ...float64) *mat.VecDense {
	return mat.NewVecDense(len(vals), vals)
}

// AddScaledVec computes dst + alpha*v into a fresh vector.
func AddScaledVec(dst *mat.VecDense, alpha float64, v *mat.VecDense) *mat.VecDense {
	out := CloneVec(dst)
	if v != nil {
		out.AddScaledVec(out, alpha, v)
	}
	return out
}

// IsFiniteVec reports whether every entry is a finite number.
func IsFiniteVec(v *mat.VecDense) bool {
	if v == nil {
		return true
	}
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}

// TrajectorySquaredNorm sums the squared Euclidean norms of a trajectory,
// skipping nil entries (event nodes carry no input).
func TrajectorySquaredNorm(traj []*mat.VecDense) float64 {
	sum := 0.0
	for _, v := range traj {
		if v == nil {
			continue
		}
		d := mat.Dot(v, v)
		sum += d
	}
	return sum
}

// SquaredDistance is ‖a-b‖².
func SquaredDistance(a, b *mat.VecDense) float64 {
	sum := 0.0
	for i := 0; i < a.Len(); i++ {
		d := a.AtVec(i) - b.AtVec(i)
		sum += d * d
	}
	return sum
}

// DenseToSym copies the symmetric part ½(M+Mᵀ) into a SymDense.
func DenseToSym(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}
