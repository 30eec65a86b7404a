package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ddp"
	"github.com/mkraev/trajopt/internal/examples"
	"github.com/mkraev/trajopt/internal/ocmath"
	"github.com/mkraev/trajopt/internal/ocproblem"
	"github.com/mkraev/trajopt/internal/reference"
	"github.com/mkraev/trajopt/internal/settings"
	"github.com/mkraev/trajopt/internal/solution"
	"github.com/mkraev/trajopt/internal/sqp"
)

var (
	solverName string
	strategy   string
	nThreads   int
	timeStep   float64
	maxIter    int
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trajopt",
		Short: "nonlinear optimal control solvers (DDP and SQP)",
	}

	runCmd := &cobra.Command{
		Use:   "run [circular|exp0]",
		Short: "solve a bundled benchmark problem",
		Args:  cobra.ExactArgs(1),
		RunE:  runBenchmark,
	}
	runCmd.Flags().StringVar(&solverName, "solver", "sqp", "solver family: ddp or sqp")
	runCmd.Flags().StringVar(&strategy, "strategy", settings.StrategyLineSearch, "ddp search strategy")
	runCmd.Flags().IntVar(&nThreads, "threads", 1, "worker threads")
	runCmd.Flags().Float64Var(&timeStep, "dt", 0.01, "node spacing")
	runCmd.Flags().IntVar(&maxIter, "iter", 20, "max outer iterations")
	runCmd.Flags().StringVar(&configFile, "config", "", "YAML settings file")
	runCmd.Flags().BoolVar(&verbose, "verbose", false, "print solver progress")
	rootCmd.AddCommand(runCmd)

	configCmd := &cobra.Command{
		Use:   "config [path]",
		Short: "write the default settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settings.Save(args[0], settings.DefaultFile())
		},
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg := settings.DefaultFile()
	if configFile != "" {
		loaded, err := settings.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.General.NThreads = nThreads
	cfg.General.DisplayInfo = verbose
	cfg.DDP.Strategy = strategy
	cfg.DDP.MaxIter = maxIter
	cfg.DDP.TimeStep = timeStep
	cfg.SQP.SQPIteration = maxIter
	cfg.SQP.Dt = timeStep

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	switch args[0] {
	case "circular":
		prob := examples.NewCircularKinematicsProblem()
		init := &examples.ZeroInitializer{NU: 2}
		return solveAndReport(prob, init, nil, cfg, logger, 0, ocmath.Vec(1, 0), 10, nil)

	case "exp0":
		rm := examples.NewExp0ReferenceManager()
		schedule, _ := rm.Snapshot()
		prob := examples.NewExp0Problem(schedule)
		init := &examples.ZeroInitializer{NU: 1}
		return solveAndReport(prob, init, rm, cfg, logger, 0, ocmath.Vec(0, 2), 2,
			[]float64{0, examples.Exp0EventTime, 2})

	default:
		return fmt.Errorf("unknown benchmark %q", args[0])
	}
}

func solveAndReport(prob *ocproblem.Problem, init ocproblem.Initializer, rm *reference.Manager, cfg *settings.File, logger *zap.Logger, t0 float64, x0 *mat.VecDense, tf float64, partitioningTimes []float64) error {
	var (
		log    []solution.PerformanceIndex
		primal *solution.PrimalSolution
	)

	switch solverName {
	case "ddp":
		solver, err := ddp.NewSolver(prob, init, cfg.General, cfg.DDP, logger)
		if err != nil {
			return err
		}
		if rm != nil {
			solver.SetReferenceManager(rm)
		}
		if err := solver.Run(context.Background(), t0, x0, tf, partitioningTimes); err != nil {
			return err
		}
		log, primal = solver.IterationsLog(), solver.PrimalSolution(tf)

	case "sqp":
		solver, err := sqp.NewSolver(prob, init, cfg.General, cfg.SQP, nil, logger)
		if err != nil {
			return err
		}
		if rm != nil {
			solver.SetReferenceManager(rm)
		}
		if err := solver.Run(context.Background(), t0, x0, tf, partitioningTimes); err != nil {
			return err
		}
		log, primal = solver.IterationsLog(), solver.PrimalSolution(tf)

	default:
		return fmt.Errorf("unknown solver %q", solverName)
	}

	printReport(log, primal)
	return nil
}

func printReport(log []solution.PerformanceIndex, primal *solution.PrimalSolution) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "iter\tcost\tmerit\tdynISE\teqISE\tineqISE")
	for i, p := range log {
		fmt.Fprintf(w, "%d\t%.6g\t%.6g\t%.3g\t%.3g\t%.3g\n",
			i, p.TotalCost, p.Merit, p.StateEqISE, p.StateInputEqISE, p.InequalityISE)
	}
	w.Flush()

	if len(log) > 1 {
		costs := make([]float64, len(log))
		for i, p := range log {
			costs[i] = p.TotalCost
		}
		fmt.Println("\ncost per iteration:")
		fmt.Println(asciigraph.Plot(costs, asciigraph.Height(10), asciigraph.Width(60)))
	}

	if primal != nil && len(primal.Times) > 0 {
		last := len(primal.Times) - 1
		fmt.Printf("\nfinal time %.4g, final state %v\n",
			primal.Times[last], mat.Formatted(primal.States[last].T()))
	}
}
