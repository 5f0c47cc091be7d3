package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optify/internal/models"
	"optify/pkg/bayes"
	"optify/pkg/scoring"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Control-variant integrity errors. The explicit flag is the only
// accepted marker; name matching is not a fallback.
var (
	ErrNoControlVariant       = errors.New("test has no control variant")
	ErrMultipleControlVariant = errors.New("test has more than one control variant")
)

// ArmCounts are the raw trial numbers of one variant.
type ArmCounts struct {
	Conversions int64 `json:"conversions"`
	UniqueViews int64 `json:"unique_views"`
}

// Rate is conversions per unique view as a percentage.
func (a ArmCounts) Rate() float64 {
	if a.UniqueViews == 0 {
		return 0
	}
	return float64(a.Conversions) / float64(a.UniqueViews) * 100
}

// Evaluation is the decision produced for one running test.
type Evaluation struct {
	Test             models.ABTest
	Control          *models.TestVariant
	Challenger       *models.TestVariant
	ControlCounts    ArmCounts
	ChallengerCounts ArmCounts
	Result           bayes.Result
	HasWinner        bool
	Stop             bayes.StopDecision
	NoDecisionReason string // set when the test should simply keep running
}

// EvaluationService decides whether a running test has a significant
// winner or should stop for futility.
type EvaluationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewEvaluationService(db *gorm.DB, logger *logrus.Logger) *EvaluationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EvaluationService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("optify.evaluation"),
	}
}

// EvaluateTest compares the best challenger against the control variant.
// Insufficient sample on either arm yields a no-decision result, not an
// error: the test keeps running.
func (s *EvaluationService) EvaluateTest(ctx context.Context, test models.ABTest, cfg bayes.Config) (*Evaluation, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.evaluate_test")
	defer span.End()
	span.SetAttributes(attribute.Int("test.id", int(test.ID)))

	control, err := controlVariant(test.Variants)
	if err != nil {
		return nil, fmt.Errorf("test %d: %w", test.ID, err)
	}

	eval := &Evaluation{Test: test, Control: control}

	since := test.CreatedAt
	if test.StartedAt != nil {
		since = *test.StartedAt
	}

	eval.ControlCounts, err = s.armCounts(ctx, control.ID, since)
	if err != nil {
		return nil, err
	}

	// Best challenger by raw conversion rate, not composite score.
	var bestCounts ArmCounts
	for i := range test.Variants {
		v := &test.Variants[i]
		if v.IsControl {
			continue
		}
		counts, err := s.armCounts(ctx, v.ID, since)
		if err != nil {
			return nil, err
		}
		if eval.Challenger == nil || counts.Rate() > bestCounts.Rate() {
			eval.Challenger = v
			bestCounts = counts
		}
	}
	if eval.Challenger == nil {
		eval.NoDecisionReason = "no challenger variants to compare"
		return eval, nil
	}
	eval.ChallengerCounts = bestCounts

	minSample := int64(cfg.MinimumSampleSize)
	if minSample <= 0 {
		minSample = fallbackMinimumSample
	}
	if eval.ControlCounts.UniqueViews < minSample || eval.ChallengerCounts.UniqueViews < minSample {
		eval.NoDecisionReason = fmt.Sprintf(
			"insufficient sample size: control %d, challenger %d, need %d per arm",
			eval.ControlCounts.UniqueViews, eval.ChallengerCounts.UniqueViews, minSample)
		return eval, nil
	}

	result, err := bayes.Compare(
		int(eval.ControlCounts.Conversions), int(eval.ControlCounts.UniqueViews),
		int(eval.ChallengerCounts.Conversions), int(eval.ChallengerCounts.UniqueViews),
		cfg,
	)
	if err != nil {
		return nil, fmt.Errorf("test %d: compare arms: %w", test.ID, err)
	}
	eval.Result = result
	eval.HasWinner = result.IsSignificant && result.ProbabilityBeatsControl >= cfg.ConfidenceThreshold
	if !eval.HasWinner {
		eval.Stop = bayes.ShouldStopEarly(result,
			int(eval.ControlCounts.UniqueViews), int(eval.ChallengerCounts.UniqueViews), cfg)
	}

	span.SetAttributes(
		attribute.Float64("evaluation.probability", result.ProbabilityBeatsControl),
		attribute.Float64("evaluation.lift_percent", result.ExpectedLiftPercent),
		attribute.Bool("evaluation.has_winner", eval.HasWinner),
	)
	return eval, nil
}

// ScoreVariantAgainstBaseline computes a variant's composite score under
// the profile that produced the baseline. Scores from different profiles
// are incomparable, so the profile is loaded by the baseline's pinned id
// and verified, never substituted with the current default.
func (s *EvaluationService) ScoreVariantAgainstBaseline(ctx context.Context, baseline *models.PerformanceBaseline, variantMetrics map[string]float64) (int, error) {
	var profile models.MetricWeightProfile
	err := s.db.WithContext(ctx).
		Preload("Weights", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&profile, baseline.ProfileID).Error
	if err != nil {
		return 0, fmt.Errorf("load profile %d for baseline %d: %w", baseline.ProfileID, baseline.ID, err)
	}
	if err := scoring.VerifySameProfile(profile.ID, baseline.ProfileID); err != nil {
		return 0, err
	}
	result, err := scoring.Score(variantMetrics, ScoringProfile(&profile))
	if err != nil {
		return 0, err
	}
	return result.Composite, nil
}

func (s *EvaluationService) armCounts(ctx context.Context, variantID uint, since time.Time) (ArmCounts, error) {
	var counts ArmCounts
	err := s.db.WithContext(ctx).Model(&models.ContentEvent{}).
		Where("variant_id = ? AND event_type = ? AND created_at >= ?", variantID, "view", since).
		Distinct("session_id").Count(&counts.UniqueViews).Error
	if err != nil {
		return counts, fmt.Errorf("count variant %d views: %w", variantID, err)
	}
	// Conversions are counted per session, not per event, so a session
	// firing the conversion event repeatedly still counts once.
	err = s.db.WithContext(ctx).Model(&models.ContentEvent{}).
		Where("variant_id = ? AND event_type = ? AND created_at >= ?", variantID, "conversion", since).
		Distinct("session_id").Count(&counts.Conversions).Error
	if err != nil {
		return counts, fmt.Errorf("count variant %d conversions: %w", variantID, err)
	}
	// A session can convert without a view landing in the window; clamp
	// so successes never exceed trials.
	if counts.Conversions > counts.UniqueViews {
		counts.Conversions = counts.UniqueViews
	}
	return counts, nil
}

// controlVariant selects the control by its explicit flag and insists on
// exactly one.
func controlVariant(variants []models.TestVariant) (*models.TestVariant, error) {
	var control *models.TestVariant
	for i := range variants {
		if !variants[i].IsControl {
			continue
		}
		if control != nil {
			return nil, ErrMultipleControlVariant
		}
		control = &variants[i]
	}
	if control == nil {
		return nil, ErrNoControlVariant
	}
	return control, nil
}
