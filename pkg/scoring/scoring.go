// Package scoring turns raw per-metric values into a single weighted
// composite score on a 0-10000 scale. It is pure: no IO, no clock, and
// identical inputs always produce identical output.
package scoring

import (
	"fmt"
	"math"
)

// Metric directions. A "minimize" metric (e.g. bounce rate) is inverted
// after normalization so that higher composite always means better.
const (
	DirectionMaximize = "maximize"
	DirectionMinimize = "minimize"
)

// Well-known metric keys produced by the baseline aggregator.
const (
	MetricConversionRate = "conversion_rate"
	MetricCTAClickRate   = "cta_click_rate"
	MetricDwellTimeAvg   = "dwell_time_avg"
	MetricScrollDepthAvg = "scroll_depth_avg"
	MetricTotalViews     = "total_views"
	MetricTotalEvents    = "total_events"
)

// DwellCeilingSeconds is the assumed upper bound when scaling duration
// metrics. Dwell beyond this contributes no additional credit.
const DwellCeilingSeconds = 300.0

// MaxComposite is the upper end of the composite score scale.
const MaxComposite = 10000

// Weight is one entry of a weight profile.
type Weight struct {
	Key       string
	Weight    float64
	Direction string
}

// Profile is the weighted metric profile a score is computed under.
// ProfileID identifies the persisted profile so that callers can refuse
// to compare scores produced under different profiles.
type Profile struct {
	ProfileID   uint
	ContentType string
	Weights     []Weight
}

// Result holds the composite score plus the raw (clipped) and normalized
// per-metric values that produced it.
type Result struct {
	Composite  int
	Breakdown  map[string]float64
	Normalized map[string]float64
}

type metricKind int

const (
	kindRate metricKind = iota
	kindDuration
	kindCount
)

var knownKinds = map[string]metricKind{
	MetricConversionRate: kindRate,
	MetricCTAClickRate:   kindRate,
	MetricScrollDepthAvg: kindRate,
	MetricDwellTimeAvg:   kindDuration,
	MetricTotalViews:     kindCount,
	MetricTotalEvents:    kindCount,
}

// kindOf classifies a metric key. Unknown keys fall back on naming
// convention, and finally to rate semantics.
func kindOf(key string) metricKind {
	if k, ok := knownKinds[key]; ok {
		return k
	}
	switch {
	case hasSuffix(key, "_rate"), hasSuffix(key, "_pct"), hasSuffix(key, "_percent"):
		return kindRate
	case hasSuffix(key, "_seconds"), hasSuffix(key, "_time"), hasSuffix(key, "_time_avg"):
		return kindDuration
	case hasSuffix(key, "_views"), hasSuffix(key, "_events"), hasSuffix(key, "_count"):
		return kindCount
	default:
		return kindRate
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// normalize maps a raw metric value into [0,1] according to its kind.
func normalize(key string, value float64) float64 {
	switch kindOf(key) {
	case kindDuration:
		if value <= 0 {
			return 0
		}
		return math.Min(value/DwellCeilingSeconds, 1)
	case kindCount:
		if value <= 0 {
			return 0
		}
		return math.Min(math.Log10(value+1)/3, 1)
	default: // percentage-like
		clipped := math.Max(0, math.Min(value, 100))
		return clipped / 100
	}
}

// Score computes the weighted composite of the given metrics under the
// profile. Metrics absent from the input score as zero for their weight.
// An empty or zero-weight profile is a configuration error.
func Score(metrics map[string]float64, profile Profile) (Result, error) {
	if len(profile.Weights) == 0 {
		return Result{}, fmt.Errorf("profile %d has no metric weights", profile.ProfileID)
	}

	res := Result{
		Breakdown:  make(map[string]float64, len(profile.Weights)),
		Normalized: make(map[string]float64, len(profile.Weights)),
	}

	var weightedSum, weightTotal float64
	for _, w := range profile.Weights {
		if w.Weight <= 0 {
			continue
		}
		raw := metrics[w.Key]
		n := normalize(w.Key, raw)
		if w.Direction == DirectionMinimize {
			n = 1 - n
		}
		res.Breakdown[w.Key] = raw
		res.Normalized[w.Key] = n
		weightedSum += n * w.Weight
		weightTotal += w.Weight
	}
	if weightTotal == 0 {
		return Result{}, fmt.Errorf("profile %d has zero total weight", profile.ProfileID)
	}

	composite := weightedSum / weightTotal
	composite = math.Max(0, math.Min(composite, 1))
	res.Composite = int(math.Round(composite * MaxComposite))
	return res, nil
}

// ProfileMismatchError is returned by VerifySameProfile when two scores
// cannot be compared.
type ProfileMismatchError struct {
	Left, Right uint
}

func (e *ProfileMismatchError) Error() string {
	return fmt.Sprintf("cannot compare scores computed under different profiles (%d vs %d)", e.Left, e.Right)
}

// VerifySameProfile guards score comparisons: composite scores are only
// comparable when produced under the identical weight profile.
func VerifySameProfile(left, right uint) error {
	if left != right {
		return &ProfileMismatchError{Left: left, Right: right}
	}
	return nil
}
