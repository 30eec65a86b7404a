package ocmath

import "gonum.org/v1/gonum/mat"

// IndexAlpha locates a query time inside a sorted time trajectory:
// the value at t is (1-Alpha)*vals[Index+1] + Alpha*vals[Index].
type IndexAlpha struct {
	Index int
	Alpha float64
}

// Lookup finds the enclosing interval for t. Times outside the range clamp
// to the first or last sample.
func Lookup(t float64, times []float64) IndexAlpha {
	if len(times) <= 1 || t <= times[0] {
		return IndexAlpha{Index: 0, Alpha: 1.0}
	}
	last := len(times) - 1
	if t >= times[last] {
		return IndexAlpha{Index: last - 1, Alpha: 0.0}
	}
	lo, hi := 0, last
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if times[mid] <= t {
			lo = mid
		} else {
			hi = mid
		}
	}
	span := times[hi] - times[lo]
	if span <= 0 {
		// Zero-duration event interval: take the left sample.
		return IndexAlpha{Index: lo, Alpha: 1.0}
	}
	return IndexAlpha{Index: lo, Alpha: (times[hi] - t) / span}
}

// InterpVec linearly interpolates a vector trajectory at a located index.
// Nil samples (event nodes without input) are not blended: with a nil right
// sample or Alpha >= 1 the left sample is returned (nil if it is nil), and
// with a nil left sample and Alpha < 1 the right sample is returned.
func InterpVec(ia IndexAlpha, vals []*mat.VecDense) *mat.VecDense {
	lhs := vals[ia.Index]
	var rhs *mat.VecDense
	if ia.Index+1 < len(vals) {
		rhs = vals[ia.Index+1]
	}
	if rhs == nil || ia.Alpha >= 1.0 {
		return CloneVec(lhs)
	}
	if lhs == nil {
		return CloneVec(rhs)
	}
	out := CloneVec(lhs)
	out.ScaleVec(ia.Alpha, out)
	out.AddScaledVec(out, 1.0-ia.Alpha, rhs)
	return out
}

// InterpMatHold returns the piecewise-constant (zero-order hold) sample of a
// matrix trajectory: a copy of the sample at the located index.
func InterpMatHold(ia IndexAlpha, vals []*mat.Dense) *mat.Dense {
	m := vals[ia.Index]
	if m == nil {
		return nil
	}
	out := &mat.Dense{}
	out.CloneFrom(m)
	return out
}
