// Package settings groups the recognized solver options, their defaults,
// validation and YAML round-tripping.
package settings

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkraev/trajopt/internal/rollout"
)

// ErrInvalidConfiguration indicates contradictory or out-of-range options.
// It is fatal at solver construction.
var ErrInvalidConfiguration = errors.New("settings: invalid configuration")

const (
	AlgorithmSLQ  = "slq"
	AlgorithmILQR = "ilqr"

	StrategyLineSearch = "linesearch"
	StrategyLM         = "levenberg-marquardt"

	HessianCorrectionDiagonal   = "diagonal"
	HessianCorrectionCholesky   = "cholesky"
	HessianCorrectionEigenvalue = "eigenvalue"
)

// General options shared by every solver.
type General struct {
	NThreads int `yaml:"n_threads"`
	// ThreadPriority is accepted for configuration compatibility but not
	// acted on: Go has no portable way to set OS thread priority, and the
	// runtime owns goroutine-to-thread placement.
	ThreadPriority        int  `yaml:"thread_priority"`
	DisplayInfo           bool `yaml:"display_info"`
	PrintSolverStatistics bool `yaml:"print_solver_statistics"`
}

func DefaultGeneral() General {
	return General{NThreads: 1}
}

func (g General) Validate() error {
	if g.NThreads < 1 {
		return fmt.Errorf("%w: n_threads must be at least 1, got %d", ErrInvalidConfiguration, g.NThreads)
	}
	return nil
}

// LineSearch options of the DDP line-search strategy.
type LineSearch struct {
	MinStepLength             float64 `yaml:"min_step_length"`
	MaxStepLength             float64 `yaml:"max_step_length"`
	ContractionRate           float64 `yaml:"contraction_rate"`
	ArmijoCoefficient         float64 `yaml:"armijo_coefficient"`
	HessianCorrectionStrategy string  `yaml:"hessian_correction_strategy"`
	HessianCorrectionMultiple float64 `yaml:"hessian_correction_multiple"`
}

func DefaultLineSearch() LineSearch {
	return LineSearch{
		MinStepLength:             1e-2,
		MaxStepLength:             1.0,
		ContractionRate:           0.5,
		ArmijoCoefficient:         1e-4,
		HessianCorrectionStrategy: HessianCorrectionCholesky,
		HessianCorrectionMultiple: 1e-6,
	}
}

func (l LineSearch) Validate() error {
	switch {
	case l.MinStepLength <= 0 || l.MaxStepLength < l.MinStepLength:
		return fmt.Errorf("%w: step length bounds 0 < min <= max violated", ErrInvalidConfiguration)
	case l.ContractionRate <= 0 || l.ContractionRate >= 1:
		return fmt.Errorf("%w: contraction_rate must be in (0, 1)", ErrInvalidConfiguration)
	}
	switch l.HessianCorrectionStrategy {
	case HessianCorrectionDiagonal, HessianCorrectionCholesky, HessianCorrectionEigenvalue:
	default:
		return fmt.Errorf("%w: unknown hessian_correction_strategy %q", ErrInvalidConfiguration, l.HessianCorrectionStrategy)
	}
	return nil
}

// LevenbergMarquardt options of the DDP trust-region-like strategy.
type LevenbergMarquardt struct {
	RiccatiMultipleDefault       float64 `yaml:"riccati_multiple_default"`
	RiccatiMultipleAdaptiveRatio float64 `yaml:"riccati_multiple_adaptive_ratio"`
	MinAcceptedRho               float64 `yaml:"min_accepted_rho"`
	MaxSuccessiveRejections      int     `yaml:"max_successive_rejections"`
}

func DefaultLevenbergMarquardt() LevenbergMarquardt {
	return LevenbergMarquardt{
		RiccatiMultipleDefault:       1e-6,
		RiccatiMultipleAdaptiveRatio: 10.0,
		MinAcceptedRho:               0.25,
		MaxSuccessiveRejections:      5,
	}
}

func (l LevenbergMarquardt) Validate() error {
	switch {
	case l.RiccatiMultipleAdaptiveRatio <= 1:
		return fmt.Errorf("%w: riccati_multiple_adaptive_ratio must exceed 1", ErrInvalidConfiguration)
	case l.MaxSuccessiveRejections < 1:
		return fmt.Errorf("%w: max_successive_rejections must be at least 1", ErrInvalidConfiguration)
	}
	return nil
}

// DDP options of the SLQ / ILQR solver family.
type DDP struct {
	Algorithm                string  `yaml:"algorithm"`
	Strategy                 string  `yaml:"strategy"`
	MaxIter                  int     `yaml:"max_iter"`
	MinRelCost               float64 `yaml:"min_rel_cost"`
	ConstraintTolerance      float64 `yaml:"constraint_tolerance"`
	ConstraintPenaltyInitial float64 `yaml:"constraint_penalty_initial"`
	ConstraintPenaltyRate    float64 `yaml:"constraint_penalty_increase_rate"`
	PreComputeRiccatiTerms   bool    `yaml:"pre_compute_riccati_terms"`
	UseNominalTimeBackward   bool    `yaml:"use_nominal_time_for_backward_pass"`
	UseFeedbackPolicy        bool    `yaml:"use_feedback_policy"`
	CheckNumericalStability  bool    `yaml:"check_numerical_stability"`

	TimeStep          float64 `yaml:"time_step"`
	Integrator        string  `yaml:"integrator"`
	AbsTolODE         float64 `yaml:"abs_tol_ode"`
	RelTolODE         float64 `yaml:"rel_tol_ode"`
	MaxStepsPerSecond int     `yaml:"max_steps_per_second"`

	LineSearch         LineSearch         `yaml:"line_search"`
	LevenbergMarquardt LevenbergMarquardt `yaml:"levenberg_marquardt"`
}

func DefaultDDP() DDP {
	return DDP{
		Algorithm:                AlgorithmSLQ,
		Strategy:                 StrategyLineSearch,
		MaxIter:                  15,
		MinRelCost:               1e-3,
		ConstraintTolerance:      1e-4,
		ConstraintPenaltyInitial: 2.0,
		ConstraintPenaltyRate:    2.0,
		UseFeedbackPolicy:        true,
		TimeStep:                 1e-2,
		Integrator:               "rk4",
		AbsTolODE:                1e-9,
		RelTolODE:                1e-6,
		MaxStepsPerSecond:        10000,
		LineSearch:               DefaultLineSearch(),
		LevenbergMarquardt:       DefaultLevenbergMarquardt(),
	}
}

func (d DDP) Validate() error {
	switch d.Algorithm {
	case AlgorithmSLQ, AlgorithmILQR:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfiguration, d.Algorithm)
	}
	switch d.Strategy {
	case StrategyLineSearch, StrategyLM:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, d.Strategy)
	}
	switch {
	case d.MaxIter < 1:
		return fmt.Errorf("%w: max_iter must be at least 1", ErrInvalidConfiguration)
	case d.TimeStep <= 0:
		return fmt.Errorf("%w: time_step must be positive, got %g", ErrInvalidConfiguration, d.TimeStep)
	case d.ConstraintPenaltyInitial <= 0 || d.ConstraintPenaltyRate < 1:
		return fmt.Errorf("%w: constraint penalty schedule must be positive and non-decreasing", ErrInvalidConfiguration)
	}
	if _, err := ParseIntegrator(d.Integrator); err != nil {
		return err
	}
	if err := d.LineSearch.Validate(); err != nil {
		return err
	}
	return d.LevenbergMarquardt.Validate()
}

// SQP options of the multiple-shooting solver.
type SQP struct {
	Dt                float64 `yaml:"dt"`
	SQPIteration      int     `yaml:"sqp_iteration"`
	AlphaDecay        float64 `yaml:"alpha_decay"`
	AlphaMin          float64 `yaml:"alpha_min"`
	GammaC            float64 `yaml:"gamma_c"`
	GMax              float64 `yaml:"g_max"`
	GMin              float64 `yaml:"g_min"`
	CostTol           float64 `yaml:"cost_tol"`
	DeltaTol          float64 `yaml:"delta_tol"`
	ArmijoFactor      float64 `yaml:"armijo_factor"`
	ProjectConstraints bool   `yaml:"project_state_input_equality_constraints"`
	UseFeedbackPolicy bool    `yaml:"use_feedback_policy"`
	PrintLinesearch   bool    `yaml:"print_linesearch"`

	Integrator        string  `yaml:"integrator"`
	AbsTolODE         float64 `yaml:"abs_tol_ode"`
	RelTolODE         float64 `yaml:"rel_tol_ode"`
	MaxStepsPerSecond int     `yaml:"max_steps_per_second"`
}

func DefaultSQP() SQP {
	return SQP{
		Dt:                 1e-2,
		SQPIteration:       10,
		AlphaDecay:         0.5,
		AlphaMin:           1e-4,
		GammaC:             1e-6,
		GMax:               1e6,
		GMin:               1e-6,
		CostTol:            1e-4,
		DeltaTol:           1e-6,
		ArmijoFactor:       1e-4,
		ProjectConstraints: true,
		Integrator:         "rk2",
		AbsTolODE:          1e-9,
		RelTolODE:          1e-6,
		MaxStepsPerSecond:  10000,
	}
}

func (s SQP) Validate() error {
	switch {
	case s.Dt <= 0:
		return fmt.Errorf("%w: dt must be positive, got %g", ErrInvalidConfiguration, s.Dt)
	case s.SQPIteration < 1:
		return fmt.Errorf("%w: sqp_iteration must be at least 1", ErrInvalidConfiguration)
	case s.AlphaDecay <= 0 || s.AlphaDecay >= 1:
		return fmt.Errorf("%w: alpha_decay must be in (0, 1)", ErrInvalidConfiguration)
	case s.AlphaMin <= 0 || s.AlphaMin >= 1:
		return fmt.Errorf("%w: alpha_min must be in (0, 1)", ErrInvalidConfiguration)
	case s.GMin <= 0 || s.GMax < s.GMin:
		return fmt.Errorf("%w: violation bounds 0 < g_min <= g_max violated", ErrInvalidConfiguration)
	}
	_, err := ParseIntegrator(s.Integrator)
	return err
}

// ParseIntegrator maps a configured name to the rollout method.
func ParseIntegrator(name string) (rollout.Method, error) {
	switch name {
	case "euler", "rk1":
		return rollout.Euler, nil
	case "midpoint", "rk2":
		return rollout.Midpoint, nil
	case "rk4", "":
		return rollout.RK4, nil
	case "dopri", "rk45", "ode45":
		return rollout.DormandPrince, nil
	}
	return rollout.RK4, fmt.Errorf("%w: unknown integrator %q", ErrInvalidConfiguration, name)
}

// File bundles everything a YAML settings file may carry.
type File struct {
	General General `yaml:"general"`
	DDP     DDP     `yaml:"ddp"`
	SQP     SQP     `yaml:"sqp"`
}

func DefaultFile() *File {
	return &File{General: DefaultGeneral(), DDP: DefaultDDP(), SQP: DefaultSQP()}
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultFile()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *File) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
