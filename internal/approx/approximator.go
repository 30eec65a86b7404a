package approx

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/octime"
	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/solution"
)

// Approximator populates per-node models over a grid using the worker
// pool. Workers claim node indices from a shared counter; each index is
// written by exactly one worker, so the output arrays need no locks.
type Approximator struct {
	pool    *Pool
	disc    *rollout.Discretizer
	method  rollout.Method
	project bool
}

func NewApproximator(pool *Pool, method rollout.Method, project bool) *Approximator {
	// Projection is meaningless without state-input equality constraints.
	if pool.Problem(0).EqualityConstraints.Empty() {
		project = false
	}
	return &Approximator{
		pool:    pool,
		disc:    rollout.NewDiscretizer(method),
		method:  method,
		project: project,
	}
}

func (a *Approximator) Projecting() bool { return a.project }

// Approximate builds the models of every node for the iterate (xs, us) and
// returns the reduced performance index. Models are indexed by node order
// regardless of completion order. The initial-state defect ‖x0-xs[0]‖² is
// charged to StateEqISE.
func (a *Approximator) Approximate(ctx context.Context, grid []octime.AnnotatedTime, x0 *mat.VecDense, xs, us []*mat.VecDense) ([]Model, solution.PerformanceIndex, error) {
	n := len(grid) - 1
	models := make([]Model, n+1)
	perWorker := make([]solution.PerformanceIndex, a.pool.NumWorkers())
	var counter Counter

	err := a.pool.Run(ctx, func(w int, prob *ocproblem.Problem) error {
		var local solution.PerformanceIndex
		i := counter.Next()
		for i < n {
			var perf solution.PerformanceIndex
			if grid[i].Event == octime.PreEvent {
				models[i], perf = EventNode(prob, grid[i].Time, xs[i], xs[i+1])
			} else {
				dt := octime.IntervalDuration(grid[i], grid[i+1])
				models[i], perf = IntermediateNode(prob, a.disc, a.project, grid[i].Time, dt, xs[i], xs[i+1], us[i])
			}
			local.Add(perf)
			i = counter.Next()
		}
		if i == n {
			// Exactly one worker claims the terminal node.
			var perf solution.PerformanceIndex
			models[n], perf = TerminalNode(prob, grid[n].Time, xs[n])
			local.Add(perf)
		}
		perWorker[w] = local
		return nil
	})
	if err != nil {
		return nil, solution.PerformanceIndex{}, err
	}

	var total solution.PerformanceIndex
	for _, p := range perWorker {
		total.Add(p)
	}
	total.StateEqISE += ocmath.SquaredDistance(x0, xs[0])
	total.Merit = total.TotalCost + total.InequalityPenalty
	return models, total, nil
}

// Performance recomputes the performance index of a candidate iterate
// without building approximations, with the same work distribution.
func (a *Approximator) Performance(ctx context.Context, grid []octime.AnnotatedTime, x0 *mat.VecDense, xs, us []*mat.VecDense) (solution.PerformanceIndex, error) {
	n := len(grid) - 1
	perWorker := make([]solution.PerformanceIndex, a.pool.NumWorkers())
	var counter Counter

	err := a.pool.Run(ctx, func(w int, prob *ocproblem.Problem) error {
		var local solution.PerformanceIndex
		i := counter.Next()
		for i < n {
			if grid[i].Event == octime.PreEvent {
				local.Add(EventPerformance(prob, grid[i].Time, xs[i], xs[i+1]))
			} else {
				dt := octime.IntervalDuration(grid[i], grid[i+1])
				local.Add(IntermediatePerformance(prob, a.method, grid[i].Time, dt, xs[i], xs[i+1], us[i]))
			}
			i = counter.Next()
		}
		if i == n {
			local.Add(TerminalPerformance(prob, grid[n].Time, xs[n]))
		}
		perWorker[w] = local
		return nil
	})
	if err != nil {
		return solution.PerformanceIndex{}, err
	}

	var total solution.PerformanceIndex
	for _, p := range perWorker {
		total.Add(p)
	}
	total.StateEqISE += ocmath.SquaredDistance(x0, xs[0])
	total.Merit = total.TotalCost + total.InequalityPenalty
	return total, nil
}
