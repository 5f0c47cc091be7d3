package services

import (
	"context"
	"fmt"
	"sort"

	"optify/internal/models"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MetricCompositeScore addresses the baseline's composite score in a
// rule threshold, alongside the raw metric keys.
const MetricCompositeScore = "composite_score"

// Composite-score fallback gates: sample floor and the bottom percentile
// considered underperforming.
const (
	fallbackMinimumSample   = 30
	underperformPercentile  = 25.0
	minPeersForEmpiricalCut = 2
)

// Candidate is an underperforming (content, segment) pair eligible to
// spawn a test. Transient: never persisted.
type Candidate struct {
	ContentItem      models.ContentItem
	Persona          *string
	FunnelStage      *string
	Rule             models.AutomationRule
	TriggeredMetrics []string
	Baseline         models.PerformanceBaseline
}

// RuleEngine scans content against active automation rules and stored
// baselines to produce a safety-limited candidate list.
type RuleEngine struct {
	db         *gorm.DB
	baselines  *BaselineService
	logger     *logrus.Logger
	windowDays int
}

func NewRuleEngine(db *gorm.DB, baselines *BaselineService, windowDays int, logger *logrus.Logger) *RuleEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &RuleEngine{db: db, baselines: baselines, logger: logger, windowDays: windowDays}
}

// ActiveRules loads the enabled automation rules.
func (e *RuleEngine) ActiveRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := e.db.WithContext(ctx).Where("active = ?", true).Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	return rules, nil
}

// EvaluateRules runs every rule independently over the content of its
// type and returns the worst-performing candidates, truncated to the
// concurrent-test safety limit. Content flagged by one rule is still
// evaluated by the next.
func (e *RuleEngine) EvaluateRules(ctx context.Context, rules []models.AutomationRule, limits models.SafetyLimits) ([]Candidate, error) {
	var candidates []Candidate
	for _, rule := range rules {
		found, err := e.evaluateRule(ctx, rule)
		if err != nil {
			e.logger.Warnf("rule engine: rule %q failed: %v", rule.Name, err)
			continue
		}
		candidates = append(candidates, found...)
	}

	// Worst performers first; keep at most the concurrent-test cap.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Baseline.CompositeScore < candidates[j].Baseline.CompositeScore
	})
	if limits.MaxConcurrentTests > 0 && len(candidates) > limits.MaxConcurrentTests {
		candidates = candidates[:limits.MaxConcurrentTests]
	}
	return candidates, nil
}

func (e *RuleEngine) evaluateRule(ctx context.Context, rule models.AutomationRule) ([]Candidate, error) {
	scopes, err := e.ruleScopes(ctx, rule)
	if err != nil {
		return nil, err
	}

	var items []models.ContentItem
	if err := e.db.WithContext(ctx).
		Where("type = ? AND status = ?", rule.ContentType, "published").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load content of type %q: %w", rule.ContentType, err)
	}

	var candidates []Candidate
	for _, item := range items {
		underTest, err := e.hasOpenAutomatedTest(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if underTest {
			continue
		}
		for _, scope := range scopes {
			baseline, err := e.baselines.FindBaseline(ctx, item.ID, scope.persona, scope.funnelStage, e.windowDays)
			if err != nil {
				return nil, fmt.Errorf("baseline lookup for content %d: %w", item.ID, err)
			}
			if baseline == nil {
				// Not aggregated yet; nothing to judge.
				continue
			}
			triggered, err := e.underperforms(ctx, rule, baseline)
			if err != nil {
				return nil, err
			}
			if len(triggered) == 0 {
				continue
			}
			candidates = append(candidates, Candidate{
				ContentItem:      item,
				Persona:          scope.persona,
				FunnelStage:      scope.funnelStage,
				Rule:             rule,
				TriggeredMetrics: triggered,
				Baseline:         *baseline,
			})
		}
	}
	return candidates, nil
}

type segmentScope struct {
	persona     *string
	funnelStage *string
}

// ruleScopes resolves a rule's target segments: explicit lists, or the
// full set seen in events, or the overall scope when no segmentation
// exists at all.
func (e *RuleEngine) ruleScopes(ctx context.Context, rule models.AutomationRule) ([]segmentScope, error) {
	personas := rule.PersonaList()
	funnelStages := rule.FunnelStageList()
	if len(personas) == 0 || len(funnelStages) == 0 {
		allPersonas, allStages, err := e.baselines.DistinctSegments(ctx)
		if err != nil {
			return nil, err
		}
		if len(personas) == 0 {
			personas = allPersonas
		}
		if len(funnelStages) == 0 {
			funnelStages = allStages
		}
	}
	if len(personas) == 0 && len(funnelStages) == 0 {
		return []segmentScope{{}}, nil
	}

	personaPtrs := stringPtrs(personas)
	stagePtrs := stringPtrs(funnelStages)
	scopes := make([]segmentScope, 0, len(personaPtrs)*len(stagePtrs))
	for _, p := range personaPtrs {
		for _, f := range stagePtrs {
			scopes = append(scopes, segmentScope{persona: p, funnelStage: f})
		}
	}
	return scopes, nil
}

// underperforms returns the metric keys that flag the baseline under the
// rule, empty when the baseline passes.
func (e *RuleEngine) underperforms(ctx context.Context, rule models.AutomationRule, baseline *models.PerformanceBaseline) ([]string, error) {
	thresholds := rule.Thresholds()
	if len(thresholds) == 0 {
		return e.compositeFallback(rule, baseline), nil
	}

	metrics := baseline.Metrics()
	var triggered []string
	for _, th := range thresholds {
		minSample := th.MinimumSample
		if minSample <= 0 {
			minSample = fallbackMinimumSample
		}
		if baseline.SampleSize < minSample {
			continue
		}

		value, ok := metrics[th.MetricKey]
		if th.MetricKey == MetricCompositeScore {
			value, ok = float64(baseline.CompositeScore), true
		}
		if !ok {
			continue
		}

		hit := false
		switch th.ThresholdType {
		case models.ThresholdAbsolute:
			hit = value < th.ThresholdValue
		case models.ThresholdPercentile:
			var err error
			hit, err = e.belowPercentileCut(ctx, baseline, th.MetricKey, value, th.ThresholdValue)
			if err != nil {
				return nil, err
			}
		case models.ThresholdChangeRate:
			// Needs a comparison baseline from a previous window, which
			// is not retained yet. Known gap: never triggers.
			hit = false
		default:
			e.logger.Warnf("rule engine: rule %q has unknown threshold type %q", rule.Name, th.ThresholdType)
		}
		if hit {
			triggered = append(triggered, th.MetricKey)
		}
	}
	return triggered, nil
}

// belowPercentileCut checks a metric value against the empirical
// percentile cut of peer baselines in the same scope. With too few peers
// no percentile can be derived and the metric does not trigger.
func (e *RuleEngine) belowPercentileCut(ctx context.Context, baseline *models.PerformanceBaseline, metricKey string, value, percentile float64) (bool, error) {
	peers, err := e.baselines.PeerBaselines(ctx, baseline.ContentType, baseline.Persona, baseline.FunnelStage, baseline.WindowDays)
	if err != nil {
		return false, fmt.Errorf("peer baselines for %s: %w", metricKey, err)
	}

	values := make([]float64, 0, len(peers))
	for i := range peers {
		if metricKey == MetricCompositeScore {
			values = append(values, float64(peers[i].CompositeScore))
			continue
		}
		if v, ok := peers[i].Metrics()[metricKey]; ok {
			values = append(values, v)
		}
	}
	if len(values) < minPeersForEmpiricalCut {
		return false, nil
	}

	cut, err := stats.Percentile(values, percentile)
	if err != nil {
		return false, fmt.Errorf("percentile cut for %s: %w", metricKey, err)
	}
	return value <= cut, nil
}

// compositeFallback is the no-thresholds path: a sampled baseline whose
// composite score sits in the bottom quartile. The percentile here is
// the linear score/10000 approximation, kept from the original design
// and documented as a placeholder.
func (e *RuleEngine) compositeFallback(rule models.AutomationRule, baseline *models.PerformanceBaseline) []string {
	minSample := rule.MinimumSampleSize
	if minSample <= 0 {
		minSample = fallbackMinimumSample
	}
	if baseline.SampleSize < minSample {
		return nil
	}
	approxPercentile := float64(baseline.CompositeScore) / 10000 * 100
	if approxPercentile <= underperformPercentile {
		return []string{MetricCompositeScore}
	}
	return nil
}

func (e *RuleEngine) hasOpenAutomatedTest(ctx context.Context, itemID uint) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.ABTest{}).
		Where("content_item_id = ? AND is_automated = ? AND status IN ?",
			itemID, true, []string{models.TestStatusDraft, models.TestStatusActive, models.TestStatusPaused}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count open tests for content %d: %w", itemID, err)
	}
	return n > 0, nil
}

func stringPtrs(values []string) []*string {
	if len(values) == 0 {
		return []*string{nil}
	}
	out := make([]*string, 0, len(values))
	for i := range values {
		out = append(out, &values[i])
	}
	return out
}
