package bayes

import (
	"math"
	"testing"
)

func TestCompareClearWinner(t *testing.T) {
	// 8% vs 12% conversion over 1000 trials per arm is a decisive win.
	res, err := Compare(80, 1000, 120, 1000, Config{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.ProbabilityBeatsControl < 0.95 {
		t.Errorf("P(beat control) = %.3f, want >= 0.95", res.ProbabilityBeatsControl)
	}
	if !res.IsSignificant {
		t.Error("expected a significant result")
	}
	if res.ExpectedLiftPercent < 30 || res.ExpectedLiftPercent > 70 {
		t.Errorf("expected lift around 50%%, got %.1f%%", res.ExpectedLiftPercent)
	}
	if res.ControlRate >= res.ChallengerRate {
		t.Errorf("posterior means ordered wrong: control %.4f >= challenger %.4f", res.ControlRate, res.ChallengerRate)
	}
}

func TestCompareInsufficientSample(t *testing.T) {
	// Strong observed difference but only 20 trials per arm: below the
	// 30-trial floor no winner may be declared.
	res, err := Compare(2, 20, 6, 20, Config{MinimumSampleSize: 30})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.IsSignificant {
		t.Error("significance must not be declared below the minimum sample size")
	}
}

func TestCompareNoDifference(t *testing.T) {
	res, err := Compare(100, 1000, 100, 1000, Config{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.IsSignificant {
		t.Error("identical arms must not be significant")
	}
	if res.ProbabilityBeatsControl < 0.3 || res.ProbabilityBeatsControl > 0.7 {
		t.Errorf("identical arms P(beat control) = %.3f, want near 0.5", res.ProbabilityBeatsControl)
	}
}

func TestCompareDeterministic(t *testing.T) {
	first, err := Compare(50, 400, 70, 400, Config{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := Compare(50, 400, 70, 400, Config{})
		if err != nil {
			t.Fatalf("compare repeat: %v", err)
		}
		if again.ProbabilityBeatsControl != first.ProbabilityBeatsControl {
			t.Fatalf("probability changed between identical comparisons: %.5f vs %.5f",
				again.ProbabilityBeatsControl, first.ProbabilityBeatsControl)
		}
	}
}

func TestCompareMinimumDetectableEffect(t *testing.T) {
	// A tiny but extremely certain lift fails a 10% MDE.
	res, err := Compare(10000, 100000, 10300, 100000, Config{MinimumDetectableEffect: 10})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.ExpectedLiftPercent >= 10 {
		t.Fatalf("test setup broken: lift %.2f%% >= MDE", res.ExpectedLiftPercent)
	}
	if res.IsSignificant {
		t.Error("lift below the minimum detectable effect must not be significant")
	}
}

func TestCompareRejectsBadCounts(t *testing.T) {
	if _, err := Compare(-1, 10, 0, 10, Config{}); err == nil {
		t.Error("expected error for negative successes")
	}
	if _, err := Compare(0, -5, 0, 10, Config{}); err == nil {
		t.Error("expected error for negative trials")
	}
	if _, err := Compare(11, 10, 0, 10, Config{}); err == nil {
		t.Error("expected error for successes > trials")
	}
}

func TestCompareZeroControlRate(t *testing.T) {
	res, err := Compare(0, 0, 5, 100, Config{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	// Uniform prior on the empty control arm keeps the mean at 0.5, so
	// the lift stays finite and the math never divides by zero.
	if math.IsNaN(res.ExpectedLiftPercent) {
		t.Error("lift must not be NaN for an empty control arm")
	}
}

func TestShouldStopEarlyFutility(t *testing.T) {
	cfg := Config{ConfidenceThreshold: 0.95, MinimumSampleSize: 30, MinimumDetectableEffect: 5}

	// Undecided posterior, negligible lift, both arms past 4x the floor.
	stuck := Result{ProbabilityBeatsControl: 0.52, ExpectedLiftPercent: 0.4}
	dec := ShouldStopEarly(stuck, 150, 150, cfg)
	if !dec.ShouldStop {
		t.Error("expected a futility stop for a stuck test")
	}
	if dec.Reason == "" {
		t.Error("futility stop must carry a reason")
	}

	// Not enough trials yet: keep running.
	if dec := ShouldStopEarly(stuck, 100, 150, cfg); dec.ShouldStop {
		t.Error("futility must not trigger before 4x the minimum sample")
	}

	// A decisive posterior is never futile, even with small lift.
	decisive := Result{ProbabilityBeatsControl: 0.97, ExpectedLiftPercent: 0.4}
	if dec := ShouldStopEarly(decisive, 150, 150, cfg); dec.ShouldStop {
		t.Error("a decisive posterior must not be stopped for futility")
	}

	// Lift at or above the MDE means the test can still pay off.
	promising := Result{ProbabilityBeatsControl: 0.80, ExpectedLiftPercent: 8}
	if dec := ShouldStopEarly(promising, 150, 150, cfg); dec.ShouldStop {
		t.Error("a promising lift must not be stopped for futility")
	}
}
