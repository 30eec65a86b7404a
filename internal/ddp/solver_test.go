package ddp

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/examples"
	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/octime"
	"github.com/mkraev/trajopt/internal/reference"
	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/settings"
	"github.com/mkraev/trajopt/internal/solution"
)

func circularSettings(algorithm string) (settings.General, settings.DDP) {
	general := settings.DefaultGeneral()
	cfg := settings.DefaultDDP()
	cfg.Algorithm = algorithm
	cfg.MaxIter = 150
	cfg.MinRelCost = 1e-3
	cfg.TimeStep = 0.05
	return general, cfg
}

func TestCircularKinematics(t *testing.T) {
	for _, algorithm := range []string{settings.AlgorithmSLQ, settings.AlgorithmILQR} {
		t.Run(algorithm, func(t *testing.T) {
			general, cfg := circularSettings(algorithm)
			prob := examples.NewCircularKinematicsProblem()
			solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
			require.NoError(t, err)

			require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))

			perf := solver.PerformanceIndices()
			require.Less(t, perf.TotalCost, 0.1)
			require.Less(t, perf.StateInputEqISE, 1e-4)
		})
	}
}

func TestCircularKinematicsTracksTarget(t *testing.T) {
	general, cfg := circularSettings(settings.AlgorithmSLQ)
	prob := examples.NewCircularKinematicsProblem()
	require.NoError(t, prob.Cost.Add("goal", &examples.QuadraticTrackingCost{
		Q: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		R: mat.NewDense(2, 2, []float64{0.01, 0, 0, 0.01}),
	}))

	rm := reference.NewManager(
		reference.ModeSchedule{ModeSequence: []int{0}},
		reference.SingleTarget(0, ocmath.Vec(0, 1), ocmath.Vec(0, 0)),
	)

	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	solver.SetReferenceManager(rm)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))

	log := solver.IterationsLog()
	require.Greater(t, len(log), 1, "target tracking should need iterations")
	require.Less(t, log[len(log)-1].Merit, log[0].Merit, "merit must improve")

	// The radial constraint has to hold on the accepted iterate.
	require.Less(t, solver.PerformanceIndices().StateInputEqISE, 1e-3)

	// The final state should have moved toward the target along the circle.
	primal := solver.PrimalSolution(10)
	final := primal.States[len(primal.States)-1]
	require.Less(t, final.AtVec(0), 0.9)
	require.Greater(t, final.AtVec(1), 0.1)
}

// exp0Solve runs the two-mode switched benchmark. The problem data in
// internal/examples is reconstructed from the published benchmark, so the
// literal optimal cost (≈9.77 in the original) is not asserted here; the
// checks below are the ones robust to small differences in that data.
func exp0Solve(t *testing.T, strategy string, nThreads int) solution.PerformanceIndex {
	t.Helper()
	rm := examples.NewExp0ReferenceManager()
	schedule, _ := rm.Snapshot()
	prob := examples.NewExp0Problem(schedule)

	general := settings.DefaultGeneral()
	general.NThreads = nThreads
	cfg := settings.DefaultDDP()
	cfg.Strategy = strategy
	cfg.MaxIter = 30
	cfg.TimeStep = 0.01

	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 1}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	solver.SetReferenceManager(rm)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(0, 2), 2,
		[]float64{0, examples.Exp0EventTime, 2}))

	perf := solver.PerformanceIndices()
	require.False(t, math.IsNaN(perf.TotalCost))
	require.Less(t, perf.StateEqISE, 1e-4)
	require.Less(t, perf.StateInputEqISE, 1e-4)
	return perf
}

func TestExp0BothStrategies(t *testing.T) {
	for _, strategy := range []string{settings.StrategyLineSearch, settings.StrategyLM} {
		t.Run(strategy, func(t *testing.T) {
			single := exp0Solve(t, strategy, 1)
			multi := exp0Solve(t, strategy, 3)
			// Thread counts may reorder floating-point reductions; results
			// agree only within a loose tolerance.
			require.InDelta(t, single.TotalCost, multi.TotalCost, 1e-3*(1+math.Abs(single.TotalCost)))
		})
	}
}

func TestDeterministicRerun(t *testing.T) {
	general, cfg := circularSettings(settings.AlgorithmSLQ)
	prob := examples.NewCircularKinematicsProblem()
	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))
	first := append([]solution.PerformanceIndex(nil), solver.IterationsLog()...)

	solver.Reset()
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))
	second := solver.IterationsLog()

	require.Equal(t, len(first), len(second))
	for i := range first {
		// Single-thread mode is bit-reproducible.
		require.Equal(t, first[i], second[i], "iteration %d differs", i)
	}
}

func TestPolicyShape(t *testing.T) {
	general, cfg := circularSettings(settings.AlgorithmSLQ)
	prob := examples.NewCircularKinematicsProblem()

	cfg.UseFeedbackPolicy = true
	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))
	primal := solver.PrimalSolution(10)
	fb, ok := primal.Controller.(*solution.AffineFeedback)
	require.True(t, ok, "expected an affine feedback controller")
	require.Equal(t, 10.0, fb.FinalTime())

	cfg.UseFeedbackPolicy = false
	solver, err = NewSolver(examples.NewCircularKinematicsProblem(), &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))
	ff, ok := solver.PrimalSolution(10).Controller.(*solution.FeedForward)
	require.True(t, ok, "expected a feed-forward controller")
	require.Equal(t, 10.0, ff.FinalTime())
}

func TestDegenerateHorizon(t *testing.T) {
	general, cfg := circularSettings(settings.AlgorithmSLQ)
	solver, err := NewSolver(examples.NewCircularKinematicsProblem(), &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, solver.Run(context.Background(), 5, ocmath.Vec(1, 0), 5, nil))
	primal := solver.PrimalSolution(5)
	require.Len(t, primal.Times, 1)
	require.Len(t, primal.States, 1)
}

func TestInvalidConfigurationRejected(t *testing.T) {
	general := settings.DefaultGeneral()
	general.NThreads = 0
	_, err := NewSolver(examples.NewCircularKinematicsProblem(), &examples.ZeroInitializer{NU: 2}, general, settings.DefaultDDP(), nil)
	require.ErrorIs(t, err, settings.ErrInvalidConfiguration)

	cfg := settings.DefaultDDP()
	cfg.TimeStep = -1
	_, err = NewSolver(examples.NewCircularKinematicsProblem(), &examples.ZeroInitializer{NU: 2}, settings.DefaultGeneral(), cfg, nil)
	require.ErrorIs(t, err, settings.ErrInvalidConfiguration)
}

// indefiniteCost always reports a concave input Hessian, mimicking a
// problem whose raw Q_uu is indefinite.
type indefiniteCost struct{}

func (indefiniteCost) Value(_ float64, x, u *mat.VecDense, _ *reference.TargetTrajectories, _ ocproblem.PreComputation) float64 {
	return 0.5*mat.Dot(x, x) + 0.05*mat.Dot(u, u)
}

func (c indefiniteCost) Quadratic(t float64, x, u *mat.VecDense, tt *reference.TargetTrajectories, pre ocproblem.PreComputation) *ocmath.ScalarQuad {
	q := ocmath.NewScalarQuad(x.Len(), u.Len())
	q.F = c.Value(t, x, u, tt, pre)
	q.Fx.CopyVec(x)
	for i := 0; i < x.Len(); i++ {
		q.Fxx.Set(i, i, 1)
	}
	for i := 0; i < u.Len(); i++ {
		q.Fu.SetVec(i, 0.1*u.AtVec(i))
		q.Fuu.Set(i, i, -0.05) // indefinite Gauss-Newton block
	}
	return q
}

func (indefiniteCost) Clone() ocproblem.StateInputCost { return indefiniteCost{} }

func TestLevenbergMarquardtRecoversFromIndefiniteHessian(t *testing.T) {
	prob := ocproblem.New(&examples.SingleIntegrator{Dim: 1})
	require.NoError(t, prob.Cost.Add("indefinite", indefiniteCost{}))

	general := settings.DefaultGeneral()
	cfg := settings.DefaultDDP()
	cfg.Strategy = settings.StrategyLM
	cfg.MaxIter = 20
	cfg.TimeStep = 0.1
	// Diagonal correction with a vanishing multiple cannot repair the
	// Hessian itself; recovery must come from the LM multiple.
	cfg.LineSearch.HessianCorrectionStrategy = settings.HessianCorrectionDiagonal
	cfg.LineSearch.HessianCorrectionMultiple = 1e-12
	cfg.LevenbergMarquardt.RiccatiMultipleDefault = 0.2

	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 1}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1), 1, nil))
	require.LessOrEqual(t, len(solver.IterationsLog()), cfg.MaxIter+1)
}

func TestFeedbackControllerReproducesTrajectory(t *testing.T) {
	general, cfg := circularSettings(settings.AlgorithmSLQ)
	prob := examples.NewCircularKinematicsProblem()
	require.NoError(t, prob.Cost.Add("goal", &examples.QuadraticTrackingCost{
		Q: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		R: mat.NewDense(2, 2, []float64{0.01, 0, 0, 0.01}),
	}))
	rm := reference.NewManager(
		reference.ModeSchedule{ModeSequence: []int{0}},
		reference.SingleTarget(0, ocmath.Vec(0, 1), ocmath.Vec(0, 0)),
	)

	solver, err := NewSolver(prob, &examples.ZeroInitializer{NU: 2}, general, cfg, zap.NewNop())
	require.NoError(t, err)
	solver.SetReferenceManager(rm)
	require.NoError(t, solver.Run(context.Background(), 0, ocmath.Vec(1, 0), 10, nil))

	primal := solver.PrimalSolution(10)
	grid := make([]float64, len(primal.Times))
	copy(grid, primal.Times)

	// Re-simulate the closed loop from x0 and compare the states.
	annotated := make([]octime.AnnotatedTime, len(grid))
	for i, tt := range grid {
		annotated[i] = octime.AnnotatedTime{Time: tt}
	}
	res, err := rollout.Run(prob.Dynamics, prob.Pre, primal.Controller,
		annotated, ocmath.CloneVec(primal.States[0]), rollout.DefaultConfig())
	require.NoError(t, err)
	for i := range res.States {
		for k := 0; k < 2; k++ {
			require.InDelta(t, primal.States[i].AtVec(k), res.States[i].AtVec(k), 1e-2,
				"node %d state %d drifts", i, k)
		}
	}
}
