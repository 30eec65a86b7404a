// Package sqp implements the multiple-shooting SQP solver: each iteration
// linearizes the problem over the node grid, solves one structured QP and
// applies a filter line search in the style of Wächter and Biegler.
package sqp

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
	"github.com/mkraev/trajopt/internal/qp"
	"github.com/mkraev/trajopt/internal/reference"
	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/settings"
	"github.com/mkraev/trajopt/internal/solution"
)

// Solver is the SQP outer loop.
type Solver struct {
	general settings.General
	cfg     settings.SQP
	logger  *zap.Logger

	pool         *approx.Pool
	approximator *approx.Approximator
	method       rollout.Method
	initializer  ocproblem.Initializer
	qpSolver     qp.Solver
	refManager   *reference.Manager

	primal          *solution.PrimalSolution
	iterationLog    []solution.PerformanceIndex
	totalIterations int

	approxTimer     bench.Timer
	qpTimer         bench.Timer
	linesearchTimer bench.Timer
	controllerTimer bench.Timer
}

// subproblemSolution is one QP step expanded to original coordinates.
type subproblemSolution struct {
	dx, du        []*mat.VecDense
	gains         []*mat.Dense
	armijoMetric  float64
}

// NewSolver validates settings and clones the problem across the pool.
// qpSolver may be nil, selecting the built-in Riccati backend.
func NewSolver(prob *ocproblem.Problem, init ocproblem.Initializer, general settings.General, cfg settings.SQP, qpSolver qp.Solver, logger *zap.Logger) (*Solver, error) {
	if err := general.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || !(general.DisplayInfo || cfg.PrintLinesearch) {
		logger = zap.NewNop()
	}
	if qpSolver == nil {
		qpSolver = qp.NewRiccati()
	}
	// Projection without constraints does not make sense.
	if prob.EqualityConstraints.Empty() {
		cfg.ProjectConstraints = false
	}
	method, _ := settings.ParseIntegrator(cfg.Integrator)
	pool := approx.NewPool(prob, general.NThreads)
	return &Solver{
		general:      general,
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		approximator: approx.NewApproximator(pool, method, cfg.ProjectConstraints),
		method:       method,
		initializer:  init,
		qpSolver:     qpSolver,
	}, nil
}

func (s *Solver) SetReferenceManager(rm *reference.Manager) { s.refManager = rm }

func (s *Solver) Reset() {
	s.primal = nil
	s.iterationLog = nil
	s.totalIterations = 0
	s.approxTimer.Reset()
	s.qpTimer.Reset()
	s.linesearchTimer.Reset()
	s.controllerTimer.Reset()
}

func (s *Solver) PrimalSolution(t float64) *solution.PrimalSolution {
	if s.primal == nil {
		return nil
	}
	return s.primal.Truncate(t)
}

func (s *Solver) PerformanceIndices() solution.PerformanceIndex {
	if len(s.iterationLog) == 0 {
		return solution.PerformanceIndex{}
	}
	return s.iterationLog[len(s.iterationLog)-1]
}

func (s *Solver) IterationsLog() []solution.PerformanceIndex { return s.iterationLog }

// Run solves the horizon [t0, tf] from x0, warm-starting from the
// previous solution on re-entry.
func (s *Solver) Run(ctx context.Context, t0 float64, x0 *mat.VecDense, tf float64, _ []float64) error {
	modeSchedule, targets := s.snapshotReferences()
	grid := octime.Discretize(t0, tf, s.cfg.Dt, modeSchedule.EventTimes)
	s.pool.SetTargets(targets)
	s.iterationLog = nil

	if len(grid) == 1 {
		s.primal = &solution.PrimalSolution{
			Times:        []float64{t0},
			States:       []*mat.VecDense{ocmath.CloneVec(x0)},
			Inputs:       []*mat.VecDense{nil},
			ModeSchedule: modeSchedule,
			Controller:   solution.NewFeedForward([]float64{t0}, []*mat.VecDense{nil}),
		}
		return nil
	}

	xs, us := s.initializeTrajectories(grid, x0)

	for iter := 0; iter < s.cfg.SQPIteration; iter++ {
		s.logger.Debug("sqp iteration", zap.Int("iter", iter))

		s.approxTimer.Start()
		models, baseline, err := s.approximator.Approximate(ctx, grid, x0, xs, us)
		s.approxTimer.Stop()
		if err != nil {
			return err
		}

		s.qpTimer.Start()
		dx0 := ocmath.CloneVec(x0)
		dx0.SubVec(dx0, xs[0])
		step, err := s.solveSubproblem(dx0, models)
		s.qpTimer.Stop()
		if err != nil {
			return err
		}

		s.linesearchTimer.Start()
		converged, perf := s.takeStep(ctx, baseline, grid, x0, step, xs, us)
		s.linesearchTimer.Stop()
		s.iterationLog = append(s.iterationLog, perf)
		s.totalIterations++
		if converged {
			break
		}
	}

	s.controllerTimer.Start()
	s.setPrimalSolution(grid, xs, us, modeSchedule)
	s.controllerTimer.Stop()
	s.reportStatistics()
	return nil
}

func (s *Solver) snapshotReferences() (reference.ModeSchedule, *reference.TargetTrajectories) {
	if s.refManager == nil {
		return reference.ModeSchedule{ModeSequence: []int{0}}, nil
	}
	return s.refManager.Snapshot()
}

// initializeTrajectories builds the first iterate: the previous solution
// where it still covers the horizon, the initializer beyond it, and the
// jump map across event nodes.
func (s *Solver) initializeTrajectories(grid []octime.AnnotatedTime, x0 *mat.VecDense) ([]*mat.VecDense, []*mat.VecDense) {
	n := len(grid) - 1
	xs := make([]*mat.VecDense, 0, n+1)
	us := make([]*mat.VecDense, 0, n+1)

	interpolateTill := grid[0].Time
	if s.totalIterations > 0 && s.primal != nil {
		interpolateTill = s.primal.FinalTime()
	}

	prob := s.pool.Problem(0)
	hybrid, isHybrid := prob.Hybrid()

	xs = append(xs, ocmath.CloneVec(x0))
	for i := 0; i < n; i++ {
		t := grid[i].Time
		x := xs[len(xs)-1]

		if grid[i].Event == octime.PreEvent {
			us = append(us, nil)
			if isHybrid {
				prob.Pre.RequestPreJump(ocproblem.RequestDynamics, t, x)
				xs = append(xs, hybrid.Jump(t, x, prob.Pre))
			} else {
				xs = append(xs, ocmath.CloneVec(x))
			}
			continue
		}

		nextT := grid[i+1].Time
		var u, nextX *mat.VecDense
		if t < interpolateTill && s.primal != nil {
			u = s.primal.Controller.Input(t, x)
			nextX = ocmath.InterpVec(ocmath.Lookup(nextT, s.primal.Times), s.primal.States)
		} else {
			u, nextX = s.initializer.Compute(t, x, nextT)
		}
		us = append(us, u)
		xs = append(xs, nextX)
	}
	// Keep the trajectories aligned: terminal input repeats the last one.
	if len(us) > 0 && us[len(us)-1] != nil {
		us = append(us, ocmath.CloneVec(us[len(us)-1]))
	} else {
		us = append(us, nil)
	}
	return xs, us
}

// solveSubproblem assembles the structured QP, applies the projection when
// enabled, calls the backend and expands the step back to original input
// coordinates together with the Armijo descent metric.
func (s *Solver) solveSubproblem(dx0 *mat.VecDense, models []approx.Model) (*subproblemSolution, error) {
	n := len(models) - 1
	dyn := make([]*ocmath.VectorLinear, n)
	cost := make([]*ocmath.ScalarQuad, n+1)
	var constr []*ocmath.VectorLinear

	projecting := s.cfg.ProjectConstraints
	for i := 0; i < n; i++ {
		dyn[i] = models[i].Dynamics
		cost[i] = models[i].Cost
		if projecting && models[i].Projection != nil {
			cost[i] = approx.ProjectCost(cost[i], models[i].Projection)
			dyn[i] = approx.ProjectDynamics(dyn[i], models[i].Projection)
		}
	}
	cost[n] = models[n].Cost

	if !projecting {
		hasConstraints := false
		constr = make([]*ocmath.VectorLinear, n)
		for i := 0; i < n; i++ {
			if models[i].EqConstraint.Rows() > 0 && models[i].Dynamics.Dfdu != nil {
				constr[i] = models[i].EqConstraint
				hasConstraints = true
			}
		}
		if !hasConstraints {
			constr = nil
		}
	}

	s.qpSolver.Resize(qp.ExtractSizes(dyn, cost))
	sol, err := s.qpSolver.Solve(dx0, dyn, cost, constr)
	if err != nil || sol.Status != qp.Success {
		return nil, fmt.Errorf("%w: status %v: %v", qp.ErrQPFailed, sol.Status, err)
	}

	step := &subproblemSolution{dx: sol.Dx, du: sol.Du, gains: sol.Gains}

	// Remap δũ to real δu.
	if projecting {
		for i := 0; i < n; i++ {
			if models[i].Projection != nil {
				step.du[i] = approx.ExpandInput(models[i].Projection, step.dx[i], step.du[i])
				step.gains[i] = approx.ExpandGain(models[i].Projection, step.gains[i])
			}
		}
	}

	// Armijo metric in original coordinates: m = Σ ∇C·[dx; du].
	for i := 0; i <= n; i++ {
		if models[i].Cost.Fx != nil && step.dx[i] != nil {
			step.armijoMetric += mat.Dot(models[i].Cost.Fx, step.dx[i])
		}
		if i < n && models[i].Cost.Fu != nil && step.du[i] != nil {
			step.armijoMetric += mat.Dot(models[i].Cost.Fu, step.du[i])
		}
	}
	return step, nil
}

// takeStep runs the filter line search. It mutates xs and us in place on
// acceptance and reports convergence.
func (s *Solver) takeStep(ctx context.Context, baseline solution.PerformanceIndex, grid []octime.AnnotatedTime, x0 *mat.VecDense, step *subproblemSolution, xs, us []*mat.VecDense) (bool, solution.PerformanceIndex) {
	baselineViolation := baseline.ConstraintViolation()
	deltaXNorm := math.Sqrt(ocmath.TrajectorySquaredNorm(step.dx))
	deltaUNorm := math.Sqrt(ocmath.TrajectorySquaredNorm(step.du))

	if s.cfg.PrintLinesearch {
		s.logger.Info("linesearch baseline",
			zap.Float64("merit", baseline.Merit),
			zap.Float64("violation", baselineViolation),
			zap.Float64("armijo_metric", step.armijoMetric))
	}

	alpha := 1.0
	for {
		xNew := make([]*mat.VecDense, len(xs))
		uNew := make([]*mat.VecDense, len(us))
		for i := range xs {
			xNew[i] = ocmath.AddScaledVec(xs[i], alpha, step.dx[i])
		}
		for i := range us {
			if us[i] == nil {
				continue // no input at event nodes
			}
			if i < len(step.du) && step.du[i] != nil {
				uNew[i] = ocmath.AddScaledVec(us[i], alpha, step.du[i])
			} else {
				uNew[i] = ocmath.CloneVec(us[i])
			}
		}

		perfNew, err := s.approximator.Performance(ctx, grid, x0, xNew, uNew)
		if err != nil {
			return false, baseline
		}
		violationNew := perfNew.ConstraintViolation()

		accepted := s.filterAccepts(baseline, baselineViolation, perfNew, violationNew, step.armijoMetric, alpha)

		if s.cfg.PrintLinesearch {
			s.logger.Info("linesearch trial",
				zap.Float64("alpha", alpha),
				zap.Bool("accepted", accepted),
				zap.Float64("merit", perfNew.Merit),
				zap.Float64("violation", violationNew))
		}

		stepSizeBelowTol := alpha*deltaUNorm < s.cfg.DeltaTol && alpha*deltaXNorm < s.cfg.DeltaTol

		if accepted {
			copy(xs, xNew)
			copy(us, uNew)
			improvementBelowTol := math.Abs(baseline.Merit-perfNew.Merit) < s.cfg.CostTol && violationNew < s.cfg.GMin
			return stepSizeBelowTol || improvementBelowTol, perfNew
		}
		if stepSizeBelowTol {
			// Steps too small without acceptance: converged-but-suboptimal.
			s.logger.Debug("step size below deltaTol, stopping")
			return true, baseline
		}
		alpha *= s.cfg.AlphaDecay
		if alpha < s.cfg.AlphaMin {
			return true, baseline
		}
	}
}

// filterAccepts is the Wächter-Biegler acceptance rule.
func (s *Solver) filterAccepts(baseline solution.PerformanceIndex, thetaBase float64, perfNew solution.PerformanceIndex, thetaNew, armijoMetric, alpha float64) bool {
	switch {
	case thetaNew > s.cfg.GMax:
		return false
	case thetaNew < s.cfg.GMin && thetaBase < s.cfg.GMin && armijoMetric < 0:
		// Low violation and a descent direction: require Armijo.
		return perfNew.Merit < baseline.Merit+s.cfg.ArmijoFactor*alpha*armijoMetric
	default:
		// Medium violation: either merit or violation must decrease.
		return perfNew.Merit < baseline.Merit-s.cfg.GammaC*thetaBase ||
			thetaNew < (1.0-s.cfg.GammaC)*thetaBase
	}
}

// setPrimalSolution finalizes trajectories and assembles the controller,
// correcting feedback gains for the projection.
func (s *Solver) setPrimalSolution(grid []octime.AnnotatedTime, xs, us []*mat.VecDense, modeSchedule reference.ModeSchedule) {
	times := octime.Times(grid)

	// Correct for missing inputs at event nodes.
	for i := range us {
		if us[i] == nil && i > 0 {
			us[i] = ocmath.CloneVec(us[i-1])
		}
	}

	primal := &solution.PrimalSolution{
		Times:        times,
		States:       xs,
		Inputs:       us,
		ModeSchedule: modeSchedule,
	}

	if s.cfg.UseFeedbackPolicy {
		// The gains are recomputed by re-approximating the accepted iterate
		// and running one Riccati sweep on those fresh models.
		gains := s.finalGains(grid, xs, us)
		if gains != nil {
			uff := make([]*mat.VecDense, len(times))
			fullGains := make([]*mat.Dense, len(times))
			for i := range times {
				if i < len(gains) && gains[i] != nil {
					fullGains[i] = gains[i]
				} else if i > 0 {
					fullGains[i] = fullGains[i-1]
				}
				u := ocmath.CloneVec(us[i])
				if fullGains[i] != nil && u != nil {
					tmp := mat.NewVecDense(u.Len(), nil)
					tmp.MulVec(fullGains[i], xs[i])
					u.SubVec(u, tmp)
				}
				uff[i] = u
			}
			primal.Controller = solution.NewAffineFeedback(times, uff, fullGains)
		}
	}
	if primal.Controller == nil {
		primal.Controller = solution.NewFeedForward(times, primal.Inputs)
	}
	s.primal = primal
}

// finalGains recomputes Riccati feedback for the accepted iterate.
func (s *Solver) finalGains(grid []octime.AnnotatedTime, xs, us []*mat.VecDense) []*mat.Dense {
	models, _, err := s.approximator.Approximate(context.Background(), grid, xs[0], xs, us)
	if err != nil {
		return nil
	}
	n := len(models) - 1
	dyn := make([]*ocmath.VectorLinear, n)
	cost := make([]*ocmath.ScalarQuad, n+1)
	projs := make([]*ocmath.VectorLinear, n)
	for i := 0; i < n; i++ {
		dyn[i] = models[i].Dynamics
		cost[i] = models[i].Cost
		if models[i].Projection != nil {
			projs[i] = models[i].Projection
			cost[i] = approx.ProjectCost(cost[i], projs[i])
			dyn[i] = approx.ProjectDynamics(dyn[i], projs[i])
		}
	}
	cost[n] = models[n].Cost

	backend := qp.NewRiccati()
	backend.Resize(qp.ExtractSizes(dyn, cost))
	dx0 := mat.NewVecDense(xs[0].Len(), nil)
	sol, err := backend.Solve(dx0, dyn, cost, nil)
	if err != nil || sol.Status != qp.Success {
		return nil
	}
	for i := 0; i < n; i++ {
		if projs[i] != nil {
			sol.Gains[i] = approx.ExpandGain(projs[i], sol.Gains[i])
		}
	}
	return sol.Gains
}

func (s *Solver) reportStatistics() {
	if !s.general.PrintSolverStatistics {
		return
	}
	s.logger.Info("sqp benchmarking",
		zap.Int("iterations", s.totalIterations),
		zap.Duration("lq_approximation_avg", s.approxTimer.Average()),
		zap.Duration("solve_qp_avg", s.qpTimer.Average()),
		zap.Duration("linesearch_avg", s.linesearchTimer.Average()),
		zap.Duration("compute_controller_avg", s.controllerTimer.Average()))
}
