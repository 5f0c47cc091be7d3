// Package bayes provides the Bayesian comparison primitive used to judge
// A/B test arms: posterior probability that a challenger conversion rate
// beats the control, expected lift, and a futility heuristic. Pure
// functions, deterministic for identical inputs.
package bayes

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// posteriorSamples is the Monte Carlo draw count per comparison.
	// At this size P(B>A) is stable to about three decimal places.
	posteriorSamples = 100000

	// futilityMultiple scales the minimum sample size into the trial
	// count past which an undecided test is eligible for a futility stop.
	futilityMultiple = 4

	// rngSeed fixes the sampler so repeated comparisons of the same arms
	// agree. The draws themselves are still i.i.d. within a comparison.
	rngSeed = 42
)

// Config carries the decision thresholds, normally taken from the
// automation rule that spawned the test.
type Config struct {
	ConfidenceThreshold     float64 // posterior probability required to call a winner
	MinimumSampleSize       int     // per-arm trial floor
	MinimumDetectableEffect float64 // percent lift below which a difference is noise
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold >= 1 {
		c.ConfidenceThreshold = 0.95
	}
	if c.MinimumSampleSize <= 0 {
		c.MinimumSampleSize = 30
	}
	if c.MinimumDetectableEffect < 0 {
		c.MinimumDetectableEffect = 0
	}
	return c
}

// Result is the outcome of one control-vs-challenger comparison.
type Result struct {
	ProbabilityBeatsControl float64 `json:"probability_beats_control"`
	ExpectedLiftPercent     float64 `json:"expected_lift_percent"`
	IsSignificant           bool    `json:"is_significant"`
	ControlRate             float64 `json:"control_rate"`
	ChallengerRate          float64 `json:"challenger_rate"`
}

// StopDecision is the futility verdict for a running test.
type StopDecision struct {
	ShouldStop bool   `json:"should_stop"`
	Reason     string `json:"reason,omitempty"`
}

// Compare evaluates challenger (B) against control (A) conversion counts
// using Beta(1+successes, 1+failures) posteriors. Arm A is the control.
func Compare(successesA, trialsA, successesB, trialsB int, cfg Config) (Result, error) {
	if trialsA < 0 || trialsB < 0 || successesA < 0 || successesB < 0 {
		return Result{}, fmt.Errorf("negative counts: control %d/%d, challenger %d/%d",
			successesA, trialsA, successesB, trialsB)
	}
	if successesA > trialsA || successesB > trialsB {
		return Result{}, fmt.Errorf("successes exceed trials: control %d/%d, challenger %d/%d",
			successesA, trialsA, successesB, trialsB)
	}
	cfg = cfg.withDefaults()

	src := rand.NewSource(rngSeed)
	control := distuv.Beta{Alpha: float64(1 + successesA), Beta: float64(1 + trialsA - successesA), Src: src}
	challenger := distuv.Beta{Alpha: float64(1 + successesB), Beta: float64(1 + trialsB - successesB), Src: src}

	wins := 0
	for i := 0; i < posteriorSamples; i++ {
		if challenger.Rand() > control.Rand() {
			wins++
		}
	}

	res := Result{
		ProbabilityBeatsControl: float64(wins) / posteriorSamples,
		ControlRate:             control.Mean(),
		ChallengerRate:          challenger.Mean(),
	}
	if res.ControlRate > 0 {
		res.ExpectedLiftPercent = (res.ChallengerRate - res.ControlRate) / res.ControlRate * 100
	} else if res.ChallengerRate > 0 {
		res.ExpectedLiftPercent = math.Inf(1)
	}

	res.IsSignificant = trialsA >= cfg.MinimumSampleSize &&
		trialsB >= cfg.MinimumSampleSize &&
		res.ProbabilityBeatsControl >= cfg.ConfidenceThreshold &&
		res.ExpectedLiftPercent >= cfg.MinimumDetectableEffect

	return res, nil
}

// ShouldStopEarly reports whether a test that has not produced a winner
// is unlikely to: both arms are well past the minimum sample, the
// posterior sits in the indecision band, and the expected lift is below
// the minimum detectable effect.
func ShouldStopEarly(res Result, trialsA, trialsB int, cfg Config) StopDecision {
	cfg = cfg.withDefaults()

	floor := cfg.MinimumSampleSize * futilityMultiple
	if trialsA < floor || trialsB < floor {
		return StopDecision{}
	}
	if res.ProbabilityBeatsControl >= cfg.ConfidenceThreshold ||
		res.ProbabilityBeatsControl <= 1-cfg.ConfidenceThreshold {
		// A clear direction either way is not futility.
		return StopDecision{}
	}
	if math.Abs(res.ExpectedLiftPercent) >= cfg.MinimumDetectableEffect && cfg.MinimumDetectableEffect > 0 {
		return StopDecision{}
	}
	return StopDecision{
		ShouldStop: true,
		Reason: fmt.Sprintf(
			"futility: %.1f%% expected lift with P(beat control)=%.3f after %d/%d trials per arm",
			res.ExpectedLiftPercent, res.ProbabilityBeatsControl, trialsA, trialsB),
	}
}
