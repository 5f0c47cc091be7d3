package models

import (
	"testing"
)

func TestRuleThresholdsDecode(t *testing.T) {
	raw := `[{"metric_key":"conversion_rate","threshold_type":"absolute","threshold_value":10,"minimum_sample":30}]`
	rule := AutomationRule{MetricThresholds: &raw}

	thresholds := rule.Thresholds()
	if len(thresholds) != 1 {
		t.Fatalf("thresholds = %d, want 1", len(thresholds))
	}
	th := thresholds[0]
	if th.MetricKey != "conversion_rate" || th.ThresholdType != ThresholdAbsolute ||
		th.ThresholdValue != 10 || th.MinimumSample != 30 {
		t.Errorf("decoded threshold = %+v", th)
	}

	if (&AutomationRule{}).Thresholds() != nil {
		t.Error("nil column must decode to nil thresholds")
	}
	garbage := "{broken"
	if (&AutomationRule{MetricThresholds: &garbage}).Thresholds() != nil {
		t.Error("invalid JSON must decode to nil thresholds, not panic")
	}
}

func TestRuleScopeListsDecode(t *testing.T) {
	personas := `["developer","buyer"]`
	stages := `[]`
	rule := AutomationRule{Personas: &personas, FunnelStages: &stages}

	if got := rule.PersonaList(); len(got) != 2 || got[0] != "developer" {
		t.Errorf("personas = %v, want [developer buyer]", got)
	}
	if got := rule.FunnelStageList(); len(got) != 0 {
		t.Errorf("empty list = %v, want none", got)
	}
	if (&AutomationRule{}).PersonaList() != nil {
		t.Error("nil column means all personas")
	}
}

func TestBaselineMetricsDecode(t *testing.T) {
	b := PerformanceBaseline{MetricBreakdown: `{"conversion_rate":12.5,"total_views":400}`}
	metrics := b.Metrics()
	if metrics["conversion_rate"] != 12.5 {
		t.Errorf("conversion_rate = %f, want 12.5", metrics["conversion_rate"])
	}
	if metrics["total_views"] != 400 {
		t.Errorf("total_views = %f, want 400", metrics["total_views"])
	}

	empty := PerformanceBaseline{}
	if m := empty.Metrics(); m == nil || len(m) != 0 {
		t.Errorf("empty breakdown = %v, want an empty map", m)
	}
}
