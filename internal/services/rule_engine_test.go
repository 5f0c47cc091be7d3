package services

import (
	"context"
	"encoding/json"
	"testing"

	"optify/internal/models"

	"gorm.io/gorm"
)

func seedBaseline(t *testing.T, db *gorm.DB, item models.ContentItem, composite int, sample int64, metrics map[string]float64) models.PerformanceBaseline {
	t.Helper()
	breakdown, _ := json.Marshal(metrics)
	baseline := models.PerformanceBaseline{
		ContentType:     item.Type,
		ContentItemID:   item.ID,
		WindowDays:      30,
		MetricBreakdown: string(breakdown),
		CompositeScore:  composite,
		SampleSize:      sample,
		UniqueViews:     sample,
		ProfileID:       1,
	}
	if err := db.Create(&baseline).Error; err != nil {
		t.Fatalf("seed baseline for item %d: %v", item.ID, err)
	}
	return baseline
}

func thresholdsJSON(t *testing.T, thresholds []models.MetricThreshold) *string {
	t.Helper()
	raw, err := json.Marshal(thresholds)
	if err != nil {
		t.Fatalf("marshal thresholds: %v", err)
	}
	s := string(raw)
	return &s
}

func newRuleEngine(db *gorm.DB) *RuleEngine {
	return NewRuleEngine(db, NewBaselineService(db, nil), 30, nil)
}

func TestCompositeFallbackSampleGate(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{
		Name:              "fallback",
		ContentType:       "landing_page",
		MinimumSampleSize: 30,
		Active:            true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// Identical terrible scores, one just under the sample floor.
	thin := seedContentItem(t, db, "landing_page", "thin-sample")
	seedBaseline(t, db, thin, 1000, 29, nil)
	sampled := seedContentItem(t, db, "landing_page", "enough-sample")
	seedBaseline(t, db, sampled, 1000, 30, nil)

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1 (only the sampled item)", len(candidates))
	}
	if candidates[0].ContentItem.ID != sampled.ID {
		t.Errorf("candidate item = %d, want %d", candidates[0].ContentItem.ID, sampled.ID)
	}
	if len(candidates[0].TriggeredMetrics) != 1 || candidates[0].TriggeredMetrics[0] != MetricCompositeScore {
		t.Errorf("triggered metrics = %v, want [%s]", candidates[0].TriggeredMetrics, MetricCompositeScore)
	}
}

func TestCompositeFallbackQuartileCut(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{Name: "fallback", ContentType: "landing_page", MinimumSampleSize: 30, Active: true}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// 2500/10000 sits exactly at the bottom-quartile cut; 2501 passes.
	atCut := seedContentItem(t, db, "landing_page", "at-cut")
	seedBaseline(t, db, atCut, 2500, 50, nil)
	aboveCut := seedContentItem(t, db, "landing_page", "above-cut")
	seedBaseline(t, db, aboveCut, 2501, 50, nil)

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ContentItem.ID != atCut.ID {
		t.Fatalf("expected only the at-cut item to trigger, got %d candidates", len(candidates))
	}
}

func TestAbsoluteThreshold(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{
		Name:        "low conversion",
		ContentType: "landing_page",
		Active:      true,
		MetricThresholds: thresholdsJSON(t, []models.MetricThreshold{
			{MetricKey: "conversion_rate", ThresholdType: models.ThresholdAbsolute, ThresholdValue: 10, MinimumSample: 30},
		}),
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	weak := seedContentItem(t, db, "landing_page", "weak-conv")
	seedBaseline(t, db, weak, 4000, 40, map[string]float64{"conversion_rate": 8})
	strong := seedContentItem(t, db, "landing_page", "strong-conv")
	seedBaseline(t, db, strong, 4000, 40, map[string]float64{"conversion_rate": 20})
	// Just as weak, but 20 sessions is below the threshold's minimum
	// sample, so it must not be flagged.
	thin := seedContentItem(t, db, "landing_page", "thin-conv")
	seedBaseline(t, db, thin, 8, 20, map[string]float64{"conversion_rate": 8})

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ContentItem.ID != weak.ID {
		t.Fatalf("expected only the 8%% item to trigger, got %d candidates", len(candidates))
	}
	if candidates[0].TriggeredMetrics[0] != "conversion_rate" {
		t.Errorf("triggered metric = %s, want conversion_rate", candidates[0].TriggeredMetrics[0])
	}
}

func TestPercentileThresholdNeedsPeers(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{
		Name:        "bottom quartile",
		ContentType: "landing_page",
		Active:      true,
		MetricThresholds: thresholdsJSON(t, []models.MetricThreshold{
			{MetricKey: "conversion_rate", ThresholdType: models.ThresholdPercentile, ThresholdValue: 25, MinimumSample: 30},
		}),
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// A single item has no peer distribution: never triggers.
	lonely := seedContentItem(t, db, "landing_page", "lonely")
	seedBaseline(t, db, lonely, 1000, 40, map[string]float64{"conversion_rate": 1})

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("a lone item must not trigger a percentile rule, got %d candidates", len(candidates))
	}

	// With peers the worst item falls below the empirical cut.
	for i, rate := range []float64{12, 15, 18} {
		peer := seedContentItem(t, db, "landing_page", "peer-"+string(rune('a'+i)))
		seedBaseline(t, db, peer, 5000, 40, map[string]float64{"conversion_rate": rate})
	}

	candidates, err = engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules with peers: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ContentItem.ID != lonely.ID {
		t.Fatalf("expected the worst item to trigger against peers, got %d candidates", len(candidates))
	}
}

func TestEvaluateRulesTruncatesWorstFirst(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{Name: "fallback", ContentType: "landing_page", MinimumSampleSize: 30, Active: true}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	scores := []int{2400, 800, 1600, 200}
	for i, score := range scores {
		item := seedContentItem(t, db, "landing_page", "trunc-"+string(rune('a'+i)))
		seedBaseline(t, db, item, score, 50, nil)
	}

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 2})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2 after truncation", len(candidates))
	}
	if candidates[0].Baseline.CompositeScore != 200 || candidates[1].Baseline.CompositeScore != 800 {
		t.Errorf("truncation must keep the worst performers: got scores %d, %d",
			candidates[0].Baseline.CompositeScore, candidates[1].Baseline.CompositeScore)
	}
}

func TestRuleSkipsContentUnderTest(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rule := models.AutomationRule{Name: "fallback", ContentType: "landing_page", MinimumSampleSize: 30, Active: true}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	item := seedContentItem(t, db, "landing_page", "under-test")
	seedBaseline(t, db, item, 500, 50, nil)
	test := models.ABTest{
		Name:          "running",
		ContentItemID: item.ID,
		ContentType:   item.Type,
		Status:        models.TestStatusActive,
		IsAutomated:   true,
	}
	if err := db.Create(&test).Error; err != nil {
		t.Fatalf("create test: %v", err)
	}

	candidates, err := engine.EvaluateRules(context.Background(), []models.AutomationRule{rule},
		models.SafetyLimits{MaxConcurrentTests: 10})
	if err != nil {
		t.Fatalf("evaluate rules: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("content with an open automated test must be skipped, got %d candidates", len(candidates))
	}
}

func TestInactiveRulesExcluded(t *testing.T) {
	db := newServicesTestDB(t)
	engine := newRuleEngine(db)

	rules := []models.AutomationRule{
		{Name: "on", ContentType: "landing_page", Active: true},
		{Name: "off", ContentType: "landing_page"},
	}
	for i := range rules {
		if err := db.Create(&rules[i]).Error; err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	// The column defaults to true, so disabling needs an explicit update.
	if err := db.Model(&rules[1]).Update("active", false).Error; err != nil {
		t.Fatalf("disable rule: %v", err)
	}

	active, err := engine.ActiveRules(context.Background())
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	if len(active) != 1 || active[0].Name != "on" {
		t.Errorf("active rules = %d, want only the enabled one", len(active))
	}
}
