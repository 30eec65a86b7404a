package solution

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
)

// Controller maps (t, x) to an input. The two concrete shapes are
// FeedForward and AffineFeedback; call sites that care downcast.
type Controller interface {
	Input(t float64, x *mat.VecDense) *mat.VecDense
	FinalTime() float64
	Clone() Controller
}

// FeedForward interpolates a recorded input sequence piecewise-linearly,
// ignoring the state.
type FeedForward struct {
	Times  []float64
	Inputs []*mat.VecDense
}

func NewFeedForward(times []float64, inputs []*mat.VecDense) *FeedForward {
	return &FeedForward{Times: times, Inputs: inputs}
}

func (c *FeedForward) Input(t float64, _ *mat.VecDense) *mat.VecDense {
	return ocmath.InterpVec(ocmath.Lookup(t, c.Times), c.Inputs)
}

func (c *FeedForward) FinalTime() float64 {
	if len(c.Times) == 0 {
		return 0
	}
	return c.Times[len(c.Times)-1]
}

func (c *FeedForward) Clone() Controller {
	out := &FeedForward{Times: append([]float64(nil), c.Times...)}
	for _, u := range c.Inputs {
		out.Inputs = append(out.Inputs, ocmath.CloneVec(u))
	}
	return out
}

// AffineFeedback realizes u(t) = uff(t) + K(t)·x with piecewise-linear uff
// and piecewise-constant K between successive nodes.
type AffineFeedback struct {
	Times []float64
	Uff   []*mat.VecDense
	K     []*mat.Dense
}

func NewAffineFeedback(times []float64, uff []*mat.VecDense, gains []*mat.Dense) *AffineFeedback {
	return &AffineFeedback{Times: times, Uff: uff, K: gains}
}

func (c *AffineFeedback) Input(t float64, x *mat.VecDense) *mat.VecDense {
	ia := ocmath.Lookup(t, c.Times)
	u := ocmath.InterpVec(ia, c.Uff)
	if k := c.K[ia.Index]; k != nil && u != nil {
		u2 := mat.NewVecDense(u.Len(), nil)
		u2.MulVec(k, x)
		u.AddVec(u, u2)
	}
	return u
}

func (c *AffineFeedback) FinalTime() float64 {
	if len(c.Times) == 0 {
		return 0
	}
	return c.Times[len(c.Times)-1]
}

func (c *AffineFeedback) Clone() Controller {
	out := &AffineFeedback{Times: append([]float64(nil), c.Times...)}
	for _, u := range c.Uff {
		out.Uff = append(out.Uff, ocmath.CloneVec(u))
	}
	for _, k := range c.K {
		if k == nil {
			out.K = append(out.K, nil)
			continue
		}
		kc := &mat.Dense{}
		kc.CloneFrom(k)
		out.K = append(out.K, kc)
	}
	return out
}
