// Package approx turns a nonlinear problem at a candidate trajectory into
// per-node linear-quadratic models, in parallel over the node grid.
package approx

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/reference"
)

// Pool owns one problem clone per worker so evaluations never share
// mutable precomputation caches.
type Pool struct {
	problems []*ocproblem.Problem
}

func NewPool(p *ocproblem.Problem, nThreads int) *Pool {
	if nThreads < 1 {
		nThreads = 1
	}
	pool := &Pool{problems: make([]*ocproblem.Problem, nThreads)}
	for w := range pool.problems {
		pool.problems[w] = p.Clone()
	}
	return pool
}

func (p *Pool) NumWorkers() int { return len(p.problems) }

// Problem returns worker w's private clone.
func (p *Pool) Problem(w int) *ocproblem.Problem { return p.problems[w] }

// SetTargets points every clone at the iteration's reference snapshot.
func (p *Pool) SetTargets(tt *reference.TargetTrajectories) {
	for _, prob := range p.problems {
		prob.Targets = tt
	}
}

// Run executes task once per worker and joins. Tasks claim node indices
// from the shared counter themselves.
func (p *Pool) Run(ctx context.Context, task func(worker int, prob *ocproblem.Problem) error) error {
	if len(p.problems) == 1 {
		return task(0, p.problems[0])
	}
	g, _ := errgroup.WithContext(ctx)
	for w := range p.problems {
		g.Go(func() error {
			return task(w, p.problems[w])
		})
	}
	return g.Wait()
}

// Counter is the shared monotone work-index source.
type Counter struct {
	v atomic.Int64
}

// Next claims the next node index.
func (c *Counter) Next() int {
	return int(c.v.Add(1)) - 1
}
