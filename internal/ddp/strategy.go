package ddp

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/rollout"
	"github.com/mkraev/trajopt/internal/settings"
	"github.com/mkraev/trajopt/internal/solution"
)

// Oracle is the slice of the driver a search strategy needs: trial
// rollouts under the updated law, performance recomputation and the merit
// rule of the current iteration.
type Oracle struct {
	Rollout     func(ctx context.Context, stepLength float64, bp *BackwardPassResult) (xs, us []*mat.VecDense, err error)
	Performance func(ctx context.Context, xs, us []*mat.VecDense) (solution.PerformanceIndex, error)
	Merit       func(p *solution.PerformanceIndex)
}

// SearchResult reports the outcome of one strategy invocation.
type SearchResult struct {
	Accepted   bool
	StepLength float64
	Xs         []*mat.VecDense
	Us         []*mat.VecDense
	Perf       solution.PerformanceIndex
}

// Strategy is the state machine deciding step acceptance. Implementations
// also own the Riccati modification consumed by the backward pass and the
// reaction to a failed backward pass.
type Strategy interface {
	Reset()
	Modification() Modification
	// RetryBackwardPass is invoked on ErrBackwardPassFailed; returning
	// false makes Run fail with ErrMaxRejections.
	RetryBackwardPass() bool
	Search(ctx context.Context, oracle Oracle, bp *BackwardPassResult, baseline solution.PerformanceIndex) (SearchResult, error)
}

// LineSearch shrinks the step length geometrically until the realized
// merit reduction clears the Armijo bar built from the controller update
// measure.
type LineSearch struct {
	cfg     settings.LineSearch
	logger  *zap.Logger
	pdShift float64
	retries int
}

func NewLineSearch(cfg settings.LineSearch, logger *zap.Logger) *LineSearch {
	return &LineSearch{cfg: cfg, logger: logger}
}

func (ls *LineSearch) Reset() {
	ls.pdShift = 0
	ls.retries = 0
}

func (ls *LineSearch) Modification() Modification {
	return Modification{RiccatiMultiple: ls.pdShift}
}

func (ls *LineSearch) RetryBackwardPass() bool {
	if ls.retries >= 6 {
		return false
	}
	ls.retries++
	if ls.pdShift == 0 {
		ls.pdShift = ls.cfg.HessianCorrectionMultiple
	}
	ls.pdShift *= 100
	return true
}

func (ls *LineSearch) Search(ctx context.Context, oracle Oracle, bp *BackwardPassResult, baseline solution.PerformanceIndex) (SearchResult, error) {
	alpha := ls.cfg.MaxStepLength
	for alpha >= ls.cfg.MinStepLength {
		xs, us, err := oracle.Rollout(ctx, alpha, bp)
		if err != nil {
			// Diverged rollouts reject the trial and shrink.
			if errors.Is(err, rollout.ErrRolloutDiverged) || errors.Is(err, rollout.ErrStepTooSmall) {
				ls.logger.Debug("trial rollout diverged", zap.Float64("alpha", alpha))
				alpha *= ls.cfg.ContractionRate
				continue
			}
			return SearchResult{}, err
		}
		perf, err := oracle.Performance(ctx, xs, us)
		if err != nil {
			return SearchResult{}, err
		}
		oracle.Merit(&perf)

		actual := baseline.Merit - perf.Merit
		bar := ls.cfg.ArmijoCoefficient * alpha * bp.ControllerUpdateIS
		if actual >= bar && !math.IsNaN(perf.Merit) {
			ls.logger.Debug("step accepted",
				zap.Float64("alpha", alpha),
				zap.Float64("merit", perf.Merit),
				zap.Float64("reduction", actual))
			return SearchResult{Accepted: true, StepLength: alpha, Xs: xs, Us: us, Perf: perf}, nil
		}
		ls.logger.Debug("step rejected", zap.Float64("alpha", alpha), zap.Float64("merit", perf.Merit))
		alpha *= ls.cfg.ContractionRate
	}
	// Step length at floor with no acceptance: stalled.
	return SearchResult{Accepted: false, Perf: baseline}, nil
}

// LevenbergMarquardt takes full steps and trades the Riccati multiple μ
// against the gain ratio ρ = actual/predicted reduction.
type LevenbergMarquardt struct {
	cfg    settings.LevenbergMarquardt
	logger *zap.Logger

	riccatiMultiple      float64
	adaptiveRatio        float64
	successiveRejections int
}

func NewLevenbergMarquardt(cfg settings.LevenbergMarquardt, logger *zap.Logger) *LevenbergMarquardt {
	lm := &LevenbergMarquardt{cfg: cfg, logger: logger}
	lm.Reset()
	return lm
}

func (lm *LevenbergMarquardt) Reset() {
	lm.riccatiMultiple = lm.cfg.RiccatiMultipleDefault
	lm.adaptiveRatio = 1.0
	lm.successiveRejections = 0
}

func (lm *LevenbergMarquardt) Modification() Modification {
	return Modification{RiccatiMultiple: lm.riccatiMultiple}
}

func (lm *LevenbergMarquardt) RetryBackwardPass() bool {
	lm.successiveRejections++
	if lm.successiveRejections > lm.cfg.MaxSuccessiveRejections {
		return false
	}
	lm.increaseMultiple()
	return true
}

func (lm *LevenbergMarquardt) increaseMultiple() {
	lm.adaptiveRatio = math.Max(1.0, lm.adaptiveRatio) * lm.cfg.RiccatiMultipleAdaptiveRatio
	lm.riccatiMultiple = math.Max(lm.adaptiveRatio*lm.riccatiMultiple, lm.cfg.RiccatiMultipleDefault)
}

func (lm *LevenbergMarquardt) decreaseMultiple() {
	lm.adaptiveRatio = math.Min(1.0, lm.adaptiveRatio) / lm.cfg.RiccatiMultipleAdaptiveRatio
	next := lm.adaptiveRatio * lm.riccatiMultiple
	if next > lm.cfg.RiccatiMultipleDefault {
		lm.riccatiMultiple = next
	} else {
		lm.riccatiMultiple = 0
	}
}

func (lm *LevenbergMarquardt) Search(ctx context.Context, oracle Oracle, bp *BackwardPassResult, baseline solution.PerformanceIndex) (SearchResult, error) {
	predicted := -(bp.DeltaV1 + bp.DeltaV2)
	stepLength := 1.0
	if math.Abs(predicted) < 1e-16 {
		stepLength = 0.0
	}

	perf := baseline
	var xs, us []*mat.VecDense
	xs, us, err := oracle.Rollout(ctx, stepLength, bp)
	if err != nil {
		if !errors.Is(err, rollout.ErrRolloutDiverged) && !errors.Is(err, rollout.ErrStepTooSmall) {
			return SearchResult{}, err
		}
		perf.Merit = math.Inf(1)
	} else {
		perf, err = oracle.Performance(ctx, xs, us)
		if err != nil {
			return SearchResult{}, err
		}
		oracle.Merit(&perf)
	}

	actual := baseline.Merit - perf.Merit
	var rho float64
	switch {
	case predicted <= 0:
		rho = 1.0
	case actual < 0 || math.IsInf(perf.Merit, 1):
		rho = 0.0
	default:
		rho = actual / predicted
	}

	// Trust-region style μ update on the 0.25 / 0.75 thresholds.
	switch {
	case rho < 0.25:
		lm.increaseMultiple()
	case rho > 0.75:
		lm.decreaseMultiple()
	default:
		lm.adaptiveRatio = 1.0
	}

	lm.logger.Debug("levenberg-marquardt trial",
		zap.Float64("rho", rho),
		zap.Float64("actual", actual),
		zap.Float64("predicted", predicted),
		zap.Float64("riccati_multiple", lm.riccatiMultiple))

	if rho >= lm.cfg.MinAcceptedRho {
		lm.successiveRejections = 0
		return SearchResult{Accepted: true, StepLength: stepLength, Xs: xs, Us: us, Perf: perf}, nil
	}

	lm.successiveRejections++
	if lm.successiveRejections > lm.cfg.MaxSuccessiveRejections {
		return SearchResult{}, ErrMaxRejections
	}
	return SearchResult{Accepted: false, Perf: baseline}, nil
}
