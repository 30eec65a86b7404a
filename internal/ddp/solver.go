// Package ddp implements the differential-dynamic-programming solver
// family (SLQ, ILQR): iterative linear-quadratic approximation around a
// rollout, a sequential Riccati backward pass and a search strategy that
// accepts or shrinks the resulting step.
package ddp

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/approx"
	"github.com/mkraev/trajopt/internal/bench"
	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/octime"
	"github.com/mkraev/trajopt/internal/reference"
	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/settings"
	"github.com/mkraev/trajopt/internal/solution"
)

// Solver is the DDP outer loop. It owns the primal solution, the
// approximation buffers and the worker pool; the problem and reference
// manager are shared with the caller.
type Solver struct {
	general settings.General
	cfg     settings.DDP
	logger  *zap.Logger

	pool         *approx.Pool
	approximator *approx.Approximator
	rolloutCfg   rollout.Config
	initializer  ocproblem.Initializer
	strategy     Strategy
	refManager   *reference.Manager

	primal       *solution.PrimalSolution
	iterationLog []solution.PerformanceIndex
	eqPenalty    float64

	approxTimer   bench.Timer
	backwardTimer bench.Timer
	searchTimer   bench.Timer
}

// NewSolver validates the configuration and builds the worker pool with
// one problem clone per thread.
func NewSolver(prob *ocproblem.Problem, init ocproblem.Initializer, general settings.General, cfg settings.DDP, logger *zap.Logger) (*Solver, error) {
	if err := general.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || !general.DisplayInfo {
		logger = zap.NewNop()
	}

	method, _ := settings.ParseIntegrator(cfg.Integrator)
	pool := approx.NewPool(prob, general.NThreads)

	s := &Solver{
		general:      general,
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		approximator: approx.NewApproximator(pool, method, true),
		rolloutCfg: rollout.Config{
			Method:            method,
			AbsTol:            cfg.AbsTolODE,
			RelTol:            cfg.RelTolODE,
			MaxStepsPerSecond: cfg.MaxStepsPerSecond,
		},
		initializer: init,
		eqPenalty:   cfg.ConstraintPenaltyInitial,
	}
	switch cfg.Strategy {
	case settings.StrategyLM:
		s.strategy = NewLevenbergMarquardt(cfg.LevenbergMarquardt, logger)
	default:
		s.strategy = NewLineSearch(cfg.LineSearch, logger)
	}
	return s, nil
}

func (s *Solver) SetReferenceManager(rm *reference.Manager) { s.refManager = rm }

// Reset clears the solution, the iteration log and all strategy state.
func (s *Solver) Reset() {
	s.primal = nil
	s.iterationLog = nil
	s.eqPenalty = s.cfg.ConstraintPenaltyInitial
	s.strategy.Reset()
	s.approxTimer.Reset()
	s.backwardTimer.Reset()
	s.searchTimer.Reset()
}

// PrimalSolution returns the solution truncated at t. Nil before any run.
func (s *Solver) PrimalSolution(t float64) *solution.PrimalSolution {
	if s.primal == nil {
		return nil
	}
	return s.primal.Truncate(t)
}

// PerformanceIndices returns the last iteration's index.
func (s *Solver) PerformanceIndices() solution.PerformanceIndex {
	if len(s.iterationLog) == 0 {
		return solution.PerformanceIndex{}
	}
	return s.iterationLog[len(s.iterationLog)-1]
}

func (s *Solver) IterationsLog() []solution.PerformanceIndex { return s.iterationLog }

// Run solves the horizon [t0, tf] from x0. partitioningTimes is accepted
// for interface compatibility; the grid is rebuilt from the mode schedule
// each call.
func (s *Solver) Run(ctx context.Context, t0 float64, x0 *mat.VecDense, tf float64, partitioningTimes []float64) error {
	return s.RunWarm(ctx, t0, x0, tf, partitioningTimes, nil)
}

// RunWarm is Run with an explicit warm-start controller overriding the
// previous solution.
func (s *Solver) RunWarm(ctx context.Context, t0 float64, x0 *mat.VecDense, tf float64, _ []float64, warmStart solution.Controller) error {
	modeSchedule, targets := s.snapshotReferences()
	grid := octime.Discretize(t0, tf, s.cfg.TimeStep, modeSchedule.EventTimes)
	s.pool.SetTargets(targets)

	if len(grid) == 1 {
		s.primal = degenerateSolution(t0, x0, modeSchedule)
		return nil
	}

	xs, us, err := s.initialTrajectory(grid, x0, warmStart)
	if err != nil {
		return fmt.Errorf("ddp: initialization rollout: %w", err)
	}

	var lastBP *BackwardPassResult
	var prevMerit float64
	haveBaseline := false

	for iter := 0; iter < s.cfg.MaxIter; iter++ {
		s.approxTimer.Start()
		models, perf, err := s.approximator.Approximate(ctx, grid, x0, xs, us)
		s.approxTimer.Stop()
		if err != nil {
			return err
		}
		s.applyMerit(&perf)
		if !haveBaseline {
			s.iterationLog = append(s.iterationLog, perf)
			prevMerit = perf.Merit
			haveBaseline = true
		}

		bp, err := s.runBackwardPass(models)
		if err != nil {
			return err
		}
		lastBP = bp

		s.searchTimer.Start()
		result, err := s.strategy.Search(ctx, s.oracle(grid, x0, xs, us), bp, s.iterationLog[len(s.iterationLog)-1])
		s.searchTimer.Stop()
		if err != nil {
			return err
		}

		if !result.Accepted {
			s.logger.Info("search stalled, returning current iterate", zap.Int("iteration", iter))
			break
		}

		xs, us = result.Xs, result.Us
		s.iterationLog = append(s.iterationLog, result.Perf)

		if s.converged(prevMerit, result) {
			s.logger.Info("converged", zap.Int("iterations", iter+1))
			break
		}
		prevMerit = result.Perf.Merit
		s.updatePenalty(result.Perf)
	}

	s.assemblePrimal(grid, xs, us, lastBP, modeSchedule)
	s.reportStatistics()
	return nil
}

func (s *Solver) snapshotReferences() (reference.ModeSchedule, *reference.TargetTrajectories) {
	if s.refManager == nil {
		return reference.ModeSchedule{ModeSequence: []int{0}}, nil
	}
	return s.refManager.Snapshot()
}

func (s *Solver) runBackwardPass(models []approx.Model) (*BackwardPassResult, error) {
	rho := 0.0
	if !s.approximator.Projecting() {
		rho = s.eqPenalty
	}
	for {
		s.backwardTimer.Start()
		bp, err := BackwardPass(models, s.cfg.LineSearch, s.strategy.Modification(), rho)
		s.backwardTimer.Stop()
		if err == nil {
			return bp, nil
		}
		s.logger.Warn("backward pass failed, retrying with stronger regularization", zap.Error(err))
		if !s.strategy.RetryBackwardPass() {
			return nil, fmt.Errorf("%w (last: %v)", ErrMaxRejections, err)
		}
	}
}

// oracle exposes trial rollouts and performance sweeps to the strategy.
func (s *Solver) oracle(grid []octime.AnnotatedTime, x0 *mat.VecDense, xs, us []*mat.VecDense) Oracle {
	times := octime.Times(grid)
	return Oracle{
		Rollout: func(ctx context.Context, alpha float64, bp *BackwardPassResult) ([]*mat.VecDense, []*mat.VecDense, error) {
			policy := &trialPolicy{
				times:       times,
				xs:          xs,
				us:          us,
				feedforward: bp.Feedforward,
				gains:       bp.Gains,
				alpha:       alpha,
				useFeedback: s.cfg.Algorithm == settings.AlgorithmSLQ,
			}
			prob := s.pool.Problem(0)
			res, err := rollout.Run(prob.Dynamics, prob.Pre, policy, grid, x0, s.rolloutCfg)
			if err != nil {
				return nil, nil, err
			}
			return res.States, res.Inputs, nil
		},
		Performance: func(ctx context.Context, trialXs, trialUs []*mat.VecDense) (solution.PerformanceIndex, error) {
			return s.approximator.Performance(ctx, grid, x0, trialXs, trialUs)
		},
		Merit: s.applyMerit,
	}
}

// applyMerit folds the constraint penalty schedule into the merit.
func (s *Solver) applyMerit(p *solution.PerformanceIndex) {
	p.Merit = p.TotalCost + p.InequalityPenalty +
		s.eqPenalty*(p.StateInputEqISE+p.StateEqISE)
}

func (s *Solver) updatePenalty(p solution.PerformanceIndex) {
	if p.StateInputEqISE > s.cfg.ConstraintTolerance {
		s.eqPenalty *= s.cfg.ConstraintPenaltyRate
	}
}

func (s *Solver) converged(prevMerit float64, result SearchResult) bool {
	p := result.Perf
	meritSettled := math.Abs(prevMerit-p.Merit) < s.cfg.MinRelCost*(1.0+math.Abs(p.Merit))
	feasible := p.StateInputEqISE < s.cfg.ConstraintTolerance && p.StateEqISE < s.cfg.ConstraintTolerance
	return meritSettled && feasible
}

// initialTrajectory rolls out the warm-start controller, the previous
// solution or the initializer over the grid.
func (s *Solver) initialTrajectory(grid []octime.AnnotatedTime, x0 *mat.VecDense, warmStart solution.Controller) ([]*mat.VecDense, []*mat.VecDense, error) {
	prob := s.pool.Problem(0)
	var policy rollout.Policy
	switch {
	case warmStart != nil:
		policy = warmStart
	case s.primal != nil && s.primal.Controller != nil && s.primal.FinalTime() > grid[0].Time:
		policy = s.primal.Controller
	default:
		policy = &initializerPolicy{init: s.initializer, grid: grid}
	}
	res, err := rollout.Run(prob.Dynamics, prob.Pre, policy, grid, x0, s.rolloutCfg)
	if err != nil {
		return nil, nil, err
	}
	return res.States, res.Inputs, nil
}

func (s *Solver) assemblePrimal(grid []octime.AnnotatedTime, xs, us []*mat.VecDense, bp *BackwardPassResult, modeSchedule reference.ModeSchedule) {
	times := octime.Times(grid)
	primal := &solution.PrimalSolution{
		Times:        times,
		States:       xs,
		Inputs:       us,
		ModeSchedule: modeSchedule,
	}

	// Event-node inputs repeat the preceding one to preserve alignment.
	for i := 1; i < len(primal.Inputs); i++ {
		if primal.Inputs[i] == nil {
			primal.Inputs[i] = ocmath.CloneVec(primal.Inputs[i-1])
		}
	}

	if s.cfg.UseFeedbackPolicy && bp != nil {
		n := len(times)
		uff := make([]*mat.VecDense, n)
		gains := make([]*mat.Dense, n)
		for i := 0; i < n; i++ {
			j := i
			if j >= len(bp.Gains) || bp.Gains[j] == nil {
				// Event and terminal nodes repeat the previous law.
				if i == 0 {
					uff[i] = ocmath.CloneVec(primal.Inputs[i])
					continue
				}
				uff[i] = ocmath.CloneVec(uff[i-1])
				gains[i] = gains[i-1]
				continue
			}
			k := bp.Gains[j]
			gains[i] = k
			// u = uff + K·x  =>  uff = u - K·x
			u := ocmath.CloneVec(primal.Inputs[i])
			tmp := mat.NewVecDense(u.Len(), nil)
			tmp.MulVec(k, xs[i])
			u.SubVec(u, tmp)
			uff[i] = u
		}
		primal.Controller = solution.NewAffineFeedback(times, uff, gains)
	} else {
		primal.Controller = solution.NewFeedForward(times, primal.Inputs)
	}
	s.primal = primal
}

func (s *Solver) reportStatistics() {
	if !s.general.PrintSolverStatistics {
		return
	}
	s.logger.Info("ddp benchmarking",
		zap.Duration("lq_approximation_avg", s.approxTimer.Average()),
		zap.Duration("backward_pass_avg", s.backwardTimer.Average()),
		zap.Duration("search_avg", s.searchTimer.Average()),
		zap.Int("iterations", len(s.iterationLog)))
}

func degenerateSolution(t0 float64, x0 *mat.VecDense, modeSchedule reference.ModeSchedule) *solution.PrimalSolution {
	return &solution.PrimalSolution{
		Times:        []float64{t0},
		States:       []*mat.VecDense{ocmath.CloneVec(x0)},
		Inputs:       []*mat.VecDense{nil},
		ModeSchedule: modeSchedule,
		Controller:   solution.NewFeedForward([]float64{t0}, []*mat.VecDense{nil}),
	}
}

// trialPolicy realizes u(t) = û(t) + α·k(t) + K(t)·(x - x̂(t)) over the
// nominal trajectory, with ILQR dropping the feedback term during the
// search.
type trialPolicy struct {
	times       []float64
	xs, us      []*mat.VecDense
	feedforward []*mat.VecDense
	gains       []*mat.Dense
	alpha       float64
	useFeedback bool
}

func (p *trialPolicy) Input(t float64, x *mat.VecDense) *mat.VecDense {
	ia := ocmath.Lookup(t, p.times)
	u := ocmath.InterpVec(ia, p.us)
	if k := p.sampleVec(ia.Index, p.feedforward); k != nil {
		u.AddScaledVec(u, p.alpha, k)
	}
	if p.useFeedback {
		if gain := p.sampleGain(ia.Index); gain != nil {
			dx := ocmath.InterpVec(ia, p.xs)
			dx.SubVec(x, dx)
			tmp := mat.NewVecDense(u.Len(), nil)
			tmp.MulVec(gain, dx)
			u.AddVec(u, tmp)
		}
	}
	return u
}

// sampleVec picks the node sample, walking left past event nodes that
// carry no law.
func (p *trialPolicy) sampleVec(i int, vals []*mat.VecDense) *mat.VecDense {
	for ; i >= 0; i-- {
		if i < len(vals) && vals[i] != nil {
			return vals[i]
		}
	}
	return nil
}

func (p *trialPolicy) sampleGain(i int) *mat.Dense {
	for ; i >= 0; i-- {
		if i < len(p.gains) && p.gains[i] != nil {
			return p.gains[i]
		}
	}
	return nil
}

// initializerPolicy adapts an Initializer to the rollout Policy contract.
type initializerPolicy struct {
	init ocproblem.Initializer
	grid []octime.AnnotatedTime
}

func (p *initializerPolicy) Input(t float64, x *mat.VecDense) *mat.VecDense {
	next := t
	for _, node := range p.grid {
		if node.Time > t {
			next = node.Time
			break
		}
	}
	u, _ := p.init.Compute(t, x, next)
	return u
}
