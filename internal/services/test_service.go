package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optify/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrInvalidTransition rejects a test status change the state machine
// does not allow (draft -> active <-> paused -> completed).
var ErrInvalidTransition = errors.New("invalid test status transition")

// TestService owns experiment and variant creation and every status
// transition.
type TestService struct {
	db        *gorm.DB
	generator VariantGenerator
	logger    *logrus.Logger
	defaults  models.SafetyLimits
}

func NewTestService(db *gorm.DB, generator VariantGenerator, defaults models.SafetyLimits, logger *logrus.Logger) *TestService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TestService{db: db, generator: generator, logger: logger, defaults: defaults}
}

// GenerationAttempt is the per-variant outcome of automated creation.
type GenerationAttempt struct {
	VariantIndex int    `json:"variant_index"`
	VariantID    *uint  `json:"variant_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CreatedTest bundles what CreateAutomatedTest produced.
type CreatedTest struct {
	Test     models.ABTest
	Variants []models.TestVariant
	Attempts []GenerationAttempt
}

// GeneratedCount reports how many challenger variants were actually
// created.
func (c *CreatedTest) GeneratedCount() int {
	n := 0
	for _, a := range c.Attempts {
		if a.Error == "" {
			n++
		}
	}
	return n
}

// GetSafetyLimits returns the singleton limits row, creating it from the
// configured defaults when missing.
func (s *TestService) GetSafetyLimits(ctx context.Context) (models.SafetyLimits, error) {
	var limits models.SafetyLimits
	err := s.db.WithContext(ctx).First(&limits).Error
	if err == nil {
		return limits, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SafetyLimits{}, fmt.Errorf("load safety limits: %w", err)
	}
	limits = s.defaults
	limits.ID = 0
	if err := s.db.WithContext(ctx).Create(&limits).Error; err != nil {
		return models.SafetyLimits{}, fmt.Errorf("create default safety limits: %w", err)
	}
	return limits, nil
}

// UpdateSafetyLimits overwrites the singleton limits row.
func (s *TestService) UpdateSafetyLimits(ctx context.Context, limits models.SafetyLimits) (models.SafetyLimits, error) {
	current, err := s.GetSafetyLimits(ctx)
	if err != nil {
		return models.SafetyLimits{}, err
	}
	limits.ID = current.ID
	if err := s.db.WithContext(ctx).Save(&limits).Error; err != nil {
		return models.SafetyLimits{}, fmt.Errorf("update safety limits: %w", err)
	}
	return limits, nil
}

// CreateAutomatedTest creates a draft test for the candidate: the live
// payload is snapshotted as the control variant, then variantCount
// challengers are requested from the generator one at a time. A failed
// generation is recorded per attempt and does not abort the others, so
// the test may end up with fewer (even zero) challengers.
func (s *TestService) CreateAutomatedTest(ctx context.Context, cand Candidate, variantCount int) (*CreatedTest, error) {
	var controlPayload map[string]interface{}
	if err := json.Unmarshal([]byte(cand.ContentItem.Payload), &controlPayload); err != nil {
		return nil, fmt.Errorf("content %d has invalid payload JSON: %w", cand.ContentItem.ID, err)
	}

	ruleID := cand.Rule.ID
	test := models.ABTest{
		Name:              fmt.Sprintf("Auto: %s / %s", cand.ContentItem.Title, cand.Rule.Name),
		ContentType:       cand.ContentItem.Type,
		ContentItemID:     cand.ContentItem.ID,
		RuleID:            &ruleID,
		Status:            models.TestStatusDraft,
		TrafficAllocation: 100,
		IsAutomated:       true,
	}
	if err := s.db.WithContext(ctx).Create(&test).Error; err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}

	control := models.TestVariant{
		TestID:    test.ID,
		Name:      "Control",
		IsControl: true,
		Payload:   cand.ContentItem.Payload,
	}
	if err := s.db.WithContext(ctx).Create(&control).Error; err != nil {
		return nil, fmt.Errorf("create control variant: %w", err)
	}

	created := &CreatedTest{Test: test, Variants: []models.TestVariant{control}}
	for i := 0; i < variantCount; i++ {
		attempt := GenerationAttempt{VariantIndex: i}
		payload, err := s.generator.Generate(ctx, GenerationContext{
			ContentType:      cand.ContentItem.Type,
			ContentTitle:     cand.ContentItem.Title,
			ControlPayload:   controlPayload,
			Persona:          deref(cand.Persona),
			FunnelStage:      deref(cand.FunnelStage),
			TriggeredMetrics: cand.TriggeredMetrics,
			VariantIndex:     i,
		})
		if err != nil {
			s.logger.Warnf("test %d: variant %d generation failed: %v", test.ID, i+1, err)
			attempt.Error = err.Error()
			s.recordGeneration(ctx, test.ID, cand.ContentItem.ID, "failed", err.Error())
			created.Attempts = append(created.Attempts, attempt)
			continue
		}

		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			attempt.Error = err.Error()
			s.recordGeneration(ctx, test.ID, cand.ContentItem.ID, "failed", err.Error())
			created.Attempts = append(created.Attempts, attempt)
			continue
		}
		variant := models.TestVariant{
			TestID:  test.ID,
			Name:    fmt.Sprintf("Variant %c", 'B'+i),
			Payload: string(payloadJSON),
		}
		if err := s.db.WithContext(ctx).Create(&variant).Error; err != nil {
			return nil, fmt.Errorf("create variant %d: %w", i+1, err)
		}
		s.recordGeneration(ctx, test.ID, cand.ContentItem.ID, "success", "")
		attempt.VariantID = &variant.ID
		created.Variants = append(created.Variants, variant)
		created.Attempts = append(created.Attempts, attempt)
	}

	return created, nil
}

// ActivateTest materializes the persona x funnel-stage targets and moves
// a draft test to active.
func (s *TestService) ActivateTest(ctx context.Context, testID uint, personas, funnelStages []string) error {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != models.TestStatusDraft {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, test.Status)
	}

	// An empty dimension becomes a single wildcard row so that a
	// persona-only or stage-only scope is not silently dropped by the
	// cross product.
	if len(personas) == 0 && len(funnelStages) > 0 {
		personas = []string{""}
	}
	if len(funnelStages) == 0 && len(personas) > 0 {
		funnelStages = []string{""}
	}

	for _, p := range personas {
		for _, f := range funnelStages {
			target := models.TestTarget{TestID: testID, Persona: p, FunnelStage: f}
			if err := s.db.WithContext(ctx).Create(&target).Error; err != nil {
				return fmt.Errorf("create test target: %w", err)
			}
		}
	}

	now := time.Now()
	return s.db.WithContext(ctx).Model(test).
		Updates(map[string]interface{}{"status": models.TestStatusActive, "started_at": now}).Error
}

// PauseTest moves an active test to paused.
func (s *TestService) PauseTest(ctx context.Context, testID uint) error {
	return s.transition(ctx, testID, models.TestStatusActive, models.TestStatusPaused, nil)
}

// ResumeTest moves a paused test back to active.
func (s *TestService) ResumeTest(ctx context.Context, testID uint) error {
	return s.transition(ctx, testID, models.TestStatusPaused, models.TestStatusActive, nil)
}

// StopTest completes a test, optionally recording the winning variant.
// Completed is terminal.
func (s *TestService) StopTest(ctx context.Context, testID uint, winnerID *uint) error {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != models.TestStatusActive && test.Status != models.TestStatusPaused {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, test.Status)
	}
	now := time.Now()
	updates := map[string]interface{}{"status": models.TestStatusCompleted, "ended_at": now}
	if winnerID != nil {
		updates["winner_variant_id"] = *winnerID
	}
	return s.db.WithContext(ctx).Model(test).Updates(updates).Error
}

// GetTest loads one test with its variants and targets.
func (s *TestService) GetTest(ctx context.Context, testID uint) (*models.ABTest, error) {
	var test models.ABTest
	err := s.db.WithContext(ctx).Preload("Variants").Preload("Targets").First(&test, testID).Error
	if err != nil {
		return nil, fmt.Errorf("load test %d: %w", testID, err)
	}
	return &test, nil
}

// ListTests returns all tests, newest first.
func (s *TestService) ListTests(ctx context.Context) ([]models.ABTest, error) {
	var tests []models.ABTest
	err := s.db.WithContext(ctx).Preload("Variants").Order("id DESC").Find(&tests).Error
	return tests, err
}

// ActiveAutomatedTests returns the running automated tests with their
// variants, the evaluation set of a cycle.
func (s *TestService) ActiveAutomatedTests(ctx context.Context) ([]models.ABTest, error) {
	var tests []models.ABTest
	err := s.db.WithContext(ctx).Preload("Variants").
		Where("is_automated = ? AND status = ?", true, models.TestStatusActive).
		Find(&tests).Error
	return tests, err
}

// CountOpenAutomatedTests counts automated tests holding a concurrency
// slot (anything not yet completed).
func (s *TestService) CountOpenAutomatedTests(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ABTest{}).
		Where("is_automated = ? AND status IN ?", true,
			[]string{models.TestStatusDraft, models.TestStatusActive, models.TestStatusPaused}).
		Count(&n).Error
	return n, err
}

// CountGenerationsToday counts every generation attempt since local
// midnight; failed calls consume budget too.
func (s *TestService) CountGenerationsToday(ctx context.Context) (int64, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var n int64
	err := s.db.WithContext(ctx).Model(&models.GenerationRecord{}).
		Where("created_at >= ?", midnight).
		Count(&n).Error
	return n, err
}

func (s *TestService) transition(ctx context.Context, testID uint, from, to string, extra map[string]interface{}) error {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, test.Status, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	return s.db.WithContext(ctx).Model(test).Updates(updates).Error
}

func (s *TestService) recordGeneration(ctx context.Context, testID, itemID uint, status, errMsg string) {
	rec := models.GenerationRecord{
		TestID:        testID,
		ContentItemID: itemID,
		RequestID:     uuid.NewString(),
		Status:        status,
		Error:         errMsg,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warnf("test %d: record generation attempt failed: %v", testID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
