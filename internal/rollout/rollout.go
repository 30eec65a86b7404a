package rollout

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/octime"
)

// Policy supplies the input applied during a rollout. Controllers and
// trajectory initializers both satisfy it.
type Policy interface {
	Input(t float64, x *mat.VecDense) *mat.VecDense
}

// Result is a trajectory sampled at the node grid.
type Result struct {
	Times  []float64
	States []*mat.VecDense
	// Inputs aligns with States; nil at event nodes.
	Inputs []*mat.VecDense
	// PostEventIndices are the grid indices of PostEvent nodes.
	PostEventIndices []int
}

// Run integrates the flow map along the grid under the given policy,
// applying the jump map at event nodes. Guard surfaces, when provided by
// the dynamics, fire additional jumps on zero down-crossings between nodes;
// only the fixed-step methods check guards, the DormandPrince path does not.
func Run(dyn ocproblem.Dynamics, pre ocproblem.PreComputation, policy Policy, grid []octime.AnnotatedTime, x0 *mat.VecDense, cfg Config) (*Result, error) {
	n := len(grid)
	res := &Result{
		Times:  octime.Times(grid),
		States: make([]*mat.VecDense, 0, n),
		Inputs: make([]*mat.VecDense, 0, n),
	}

	hybrid, isHybrid := dyn.(ocproblem.HybridDynamics)

	x := ocmath.CloneVec(x0)
	res.States = append(res.States, ocmath.CloneVec(x))

	for i := 0; i+1 < n; i++ {
		t := grid[i].Time

		if grid[i].Event == octime.PreEvent {
			if !isHybrid {
				return nil, fmt.Errorf("rollout: event node at t=%.6g but dynamics has no jump map", t)
			}
			pre.RequestPreJump(ocproblem.RequestDynamics, t, x)
			x = hybrid.Jump(t, x, pre)
			if !ocmath.IsFiniteVec(x) {
				return res, fmt.Errorf("%w: non-finite state after jump at t=%.6g", ErrRolloutDiverged, t)
			}
			res.Inputs = append(res.Inputs, nil)
			res.States = append(res.States, ocmath.CloneVec(x))
			res.PostEventIndices = append(res.PostEventIndices, i+1)
			continue
		}

		u := policy.Input(t, x)
		res.Inputs = append(res.Inputs, ocmath.CloneVec(u))

		duration := octime.IntervalDuration(grid[i], grid[i+1])
		next, err := integrateInterval(dyn, hybrid, pre, t, x, u, duration, cfg)
		if err != nil {
			return res, err
		}
		x = next
		res.States = append(res.States, ocmath.CloneVec(x))
	}

	// Input at the terminal node repeats the last applied one.
	if len(res.Inputs) > 0 {
		res.Inputs = append(res.Inputs, ocmath.CloneVec(res.Inputs[len(res.Inputs)-1]))
	} else {
		res.Inputs = append(res.Inputs, nil)
	}
	return res, nil
}

// integrateInterval advances x over one inter-node interval with frozen
// input. For the fixed-step methods it bisects onto a guard zero crossing
// when the dynamics defines guard surfaces; the DormandPrince path
// integrates adaptively without checking guards.
func integrateInterval(dyn ocproblem.Dynamics, hybrid ocproblem.HybridDynamics, pre ocproblem.PreComputation, t float64, x, u *mat.VecDense, duration float64, cfg Config) (*mat.VecDense, error) {
	if duration <= 0 {
		return ocmath.CloneVec(x), nil
	}
	maxSteps := int(math.Ceil(duration*float64(cfg.MaxStepsPerSecond))) + 1

	if cfg.Method == DormandPrince {
		return integrateAdaptive(dyn, pre, t, x, u, duration, cfg, maxSteps)
	}

	tab := cfg.Method.tableau()
	cur := ocmath.CloneVec(x)
	next := rkStep(tab, dyn, pre, t, cur, u, duration)
	if !ocmath.IsFiniteVec(next) {
		return nil, fmt.Errorf("%w: non-finite state at t=%.6g", ErrRolloutDiverged, t+duration)
	}

	if hybrid != nil {
		if crossed, tau := guardCrossing(hybrid, t, cur, next, u, duration); crossed {
			// Integrate up to the crossing, jump, then finish the interval.
			atGuard := rkStep(tab, dyn, pre, t, cur, u, tau-t)
			pre.RequestPreJump(ocproblem.RequestDynamics, tau, atGuard)
			post := hybrid.Jump(tau, atGuard, pre)
			next = rkStep(tab, dyn, pre, tau, post, u, t+duration-tau)
			if !ocmath.IsFiniteVec(next) {
				return nil, fmt.Errorf("%w: non-finite state after guard jump at t=%.6g", ErrRolloutDiverged, tau)
			}
		}
	}
	return next, nil
}

func integrateAdaptive(dyn ocproblem.Dynamics, pre ocproblem.PreComputation, t float64, x, u *mat.VecDense, duration float64, cfg Config, maxSteps int) (*mat.VecDense, error) {
	cur := ocmath.CloneVec(x)
	end := t + duration
	dt := duration
	minDt := 1.0 / float64(cfg.MaxStepsPerSecond)

	for steps := 0; t < end-1e-14; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("%w: step ceiling (%d) reached at t=%.6g", ErrRolloutDiverged, maxSteps, t)
		}
		if dt > end-t {
			dt = end - t
		}
		next, errRatio, dtNext := dopriStep(dyn, pre, t, cur, u, dt, cfg.AbsTol, cfg.RelTol)
		if errRatio > 1 {
			if dtNext < minDt {
				return nil, fmt.Errorf("%w at t=%.6g", ErrStepTooSmall, t)
			}
			dt = dtNext
			continue
		}
		if !ocmath.IsFiniteVec(next) {
			return nil, fmt.Errorf("%w: non-finite state at t=%.6g", ErrRolloutDiverged, t)
		}
		cur = next
		t += dt
		dt = dtNext
	}
	return cur, nil
}

// guardCrossing detects a positive-to-non-positive crossing of a guard
// surface on the interval, taking the lowest-index surface that crosses,
// and locates it by bisection on interpolated states.
func guardCrossing(hybrid ocproblem.HybridDynamics, t float64, x0, x1, u *mat.VecDense, duration float64) (bool, float64) {
	g0 := hybrid.Guard(t, x0)
	g1 := hybrid.Guard(t+duration, x1)
	if g0 == nil || g1 == nil {
		return false, 0
	}
	for k := 0; k < g0.Len(); k++ {
		if g0.AtVec(k) > 0 && g1.AtVec(k) <= 0 {
			lo, hi := t, t+duration
			for it := 0; it < 40; it++ {
				mid := 0.5 * (lo + hi)
				alpha := (mid - t) / duration
				xm := ocmath.CloneVec(x0)
				xm.ScaleVec(1-alpha, xm)
				xm.AddScaledVec(xm, alpha, x1)
				if hybrid.Guard(mid, xm).AtVec(k) > 0 {
					lo = mid
				} else {
					hi = mid
				}
			}
			return true, 0.5 * (lo + hi)
		}
	}
	return false, 0
}
