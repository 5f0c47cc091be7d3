package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"optify/internal/models"
	"optify/pkg/scoring"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultWindowDays is the rolling baseline window when none is given.
const DefaultWindowDays = 30

// BaselineService recomputes rolling-window performance baselines from
// raw content events.
type BaselineService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewBaselineService(db *gorm.DB, logger *logrus.Logger) *BaselineService {
	if logger == nil {
		logger = logrus.New()
	}
	return &BaselineService{db: db, logger: logger}
}

// DefaultProfile loads the default metric weight profile for a content
// type, weights in configured order.
func (s *BaselineService) DefaultProfile(ctx context.Context, contentType string) (*models.MetricWeightProfile, error) {
	var profile models.MetricWeightProfile
	err := s.db.WithContext(ctx).
		Preload("Weights", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("content_type = ? AND is_default = ?", contentType, true).
		First(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("no default metric weight profile for content type %q: %w", contentType, err)
	}
	return &profile, nil
}

// ScoringProfile converts a persisted profile into the scorer's shape.
func ScoringProfile(p *models.MetricWeightProfile) scoring.Profile {
	weights := make([]scoring.Weight, 0, len(p.Weights))
	for _, w := range p.Weights {
		weights = append(weights, scoring.Weight{Key: w.MetricKey, Weight: w.Weight, Direction: w.Direction})
	}
	return scoring.Profile{ProfileID: p.ID, ContentType: p.ContentType, Weights: weights}
}

// Aggregate recomputes one baseline for the content item scoped by the
// optional persona and funnel stage. A window with no events yields a
// zero-valued baseline rather than an error. The row for the same
// (item, persona, stage, window) identity is overwritten wholesale.
func (s *BaselineService) Aggregate(ctx context.Context, contentType string, itemID uint, persona, funnelStage *string, windowDays int) (*models.PerformanceBaseline, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	now := time.Now()
	windowStart := now.AddDate(0, 0, -windowDays)

	profile, err := s.DefaultProfile(ctx, contentType)
	if err != nil {
		return nil, err
	}

	scope := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.ContentEvent{}).
			Where("content_item_id = ? AND created_at >= ?", itemID, windowStart)
		if persona != nil {
			q = q.Where("persona = ?", *persona)
		}
		if funnelStage != nil {
			q = q.Where("funnel_stage = ?", *funnelStage)
		}
		return q
	}

	var totalViews, uniqueViews, conversions, ctaClicks int64
	if err := scope().Where("event_type = ?", "view").Count(&totalViews).Error; err != nil {
		return nil, fmt.Errorf("count views: %w", err)
	}
	if err := scope().Where("event_type = ?", "view").Distinct("session_id").Count(&uniqueViews).Error; err != nil {
		return nil, fmt.Errorf("count unique views: %w", err)
	}
	if err := scope().Where("event_type = ?", "conversion").Count(&conversions).Error; err != nil {
		return nil, fmt.Errorf("count conversions: %w", err)
	}
	if err := scope().Where("event_type = ?", "cta_click").Count(&ctaClicks).Error; err != nil {
		return nil, fmt.Errorf("count cta clicks: %w", err)
	}

	dwellAvg, err := s.eventValueMean(scope, "dwell")
	if err != nil {
		return nil, err
	}
	scrollAvg, err := s.eventValueMean(scope, "scroll")
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{
		scoring.MetricConversionRate: ratePercent(conversions, uniqueViews),
		scoring.MetricCTAClickRate:   ratePercent(ctaClicks, totalViews),
		scoring.MetricDwellTimeAvg:   dwellAvg,
		scoring.MetricScrollDepthAvg: scrollAvg,
		scoring.MetricTotalViews:     float64(totalViews),
		scoring.MetricTotalEvents:    float64(conversions),
	}

	composite := 0
	if totalViews > 0 || conversions > 0 {
		result, err := scoring.Score(metrics, ScoringProfile(profile))
		if err != nil {
			return nil, fmt.Errorf("score baseline for content %d: %w", itemID, err)
		}
		composite = result.Composite
	}

	// Bernoulli variance of the conversion rate: a proxy, not a true
	// multi-metric variance.
	var variance *float64
	if uniqueViews > 0 {
		p := metrics[scoring.MetricConversionRate] / 100
		v := p * (1 - p) / float64(uniqueViews)
		variance = &v
	}

	breakdown, _ := json.Marshal(metrics)
	baseline := &models.PerformanceBaseline{
		ContentType:     contentType,
		ContentItemID:   itemID,
		Persona:         persona,
		FunnelStage:     funnelStage,
		WindowStart:     windowStart,
		WindowDays:      windowDays,
		TotalViews:      totalViews,
		UniqueViews:     uniqueViews,
		TotalEvents:     conversions,
		MetricBreakdown: string(breakdown),
		CompositeScore:  composite,
		SampleSize:      uniqueViews,
		Variance:        variance,
		ProfileID:       profile.ID,
		ComputedAt:      now,
	}

	if err := s.upsert(ctx, baseline); err != nil {
		return nil, err
	}
	return baseline, nil
}

// AggregateForItems batch-recomputes baselines: one per persona x funnel
// stage combination plus one overall baseline per item. Per-item
// failures are logged and skipped. Returns the number of baselines
// actually written.
func (s *BaselineService) AggregateForItems(ctx context.Context, items []models.ContentItem, personas, funnelStages []string, windowDays int) int {
	computed := 0
	for _, item := range items {
		if _, err := s.Aggregate(ctx, item.Type, item.ID, nil, nil, windowDays); err != nil {
			s.logger.Warnf("baseline: overall aggregate for content %d failed: %v", item.ID, err)
			continue
		}
		computed++
		for _, p := range personas {
			for _, f := range funnelStages {
				p, f := p, f
				if _, err := s.Aggregate(ctx, item.Type, item.ID, &p, &f, windowDays); err != nil {
					s.logger.Warnf("baseline: aggregate for content %d persona=%s stage=%s failed: %v", item.ID, p, f, err)
					continue
				}
				computed++
			}
		}
	}
	return computed
}

// FindBaseline fetches the stored baseline for the exact scope, nil when
// none has been computed yet.
func (s *BaselineService) FindBaseline(ctx context.Context, itemID uint, persona, funnelStage *string, windowDays int) (*models.PerformanceBaseline, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	q := s.db.WithContext(ctx).Where("content_item_id = ? AND window_days = ?", itemID, windowDays)
	q = scopeNullable(q, "persona", persona)
	q = scopeNullable(q, "funnel_stage", funnelStage)

	var baseline models.PerformanceBaseline
	if err := q.First(&baseline).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &baseline, nil
}

// PeerBaselines returns the stored baselines of other content items of
// the same type and scope, used for empirical percentile cuts.
func (s *BaselineService) PeerBaselines(ctx context.Context, contentType string, persona, funnelStage *string, windowDays int) ([]models.PerformanceBaseline, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	q := s.db.WithContext(ctx).Where("content_type = ? AND window_days = ?", contentType, windowDays)
	q = scopeNullable(q, "persona", persona)
	q = scopeNullable(q, "funnel_stage", funnelStage)

	var peers []models.PerformanceBaseline
	if err := q.Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

// DistinctSegments lists the personas and funnel stages seen in events,
// the default targeting scope when a rule does not narrow it.
func (s *BaselineService) DistinctSegments(ctx context.Context) (personas, funnelStages []string, err error) {
	if err = s.db.WithContext(ctx).Model(&models.ContentEvent{}).
		Where("persona <> ''").Distinct().Order("persona").
		Pluck("persona", &personas).Error; err != nil {
		return nil, nil, fmt.Errorf("distinct personas: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&models.ContentEvent{}).
		Where("funnel_stage <> ''").Distinct().Order("funnel_stage").
		Pluck("funnel_stage", &funnelStages).Error; err != nil {
		return nil, nil, fmt.Errorf("distinct funnel stages: %w", err)
	}
	return personas, funnelStages, nil
}

func (s *BaselineService) eventValueMean(scope func() *gorm.DB, eventType string) (float64, error) {
	var values []float64
	if err := scope().Where("event_type = ?", eventType).Pluck("value", &values).Error; err != nil {
		return 0, fmt.Errorf("load %s values: %w", eventType, err)
	}
	if len(values) == 0 {
		return 0, nil
	}
	mean, err := stats.Mean(values)
	if err != nil {
		return 0, fmt.Errorf("mean of %s values: %w", eventType, err)
	}
	return mean, nil
}

func (s *BaselineService) upsert(ctx context.Context, baseline *models.PerformanceBaseline) error {
	q := s.db.WithContext(ctx).Model(&models.PerformanceBaseline{}).
		Where("content_item_id = ? AND window_days = ?", baseline.ContentItemID, baseline.WindowDays)
	q = scopeNullable(q, "persona", baseline.Persona)
	q = scopeNullable(q, "funnel_stage", baseline.FunnelStage)

	var existing models.PerformanceBaseline
	err := q.First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return s.db.WithContext(ctx).Create(baseline).Error
	case err != nil:
		return fmt.Errorf("find existing baseline: %w", err)
	default:
		baseline.ID = existing.ID
		return s.db.WithContext(ctx).Save(baseline).Error
	}
}

func scopeNullable(q *gorm.DB, column string, value *string) *gorm.DB {
	if value == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *value)
}

func ratePercent(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator) * 100
}
