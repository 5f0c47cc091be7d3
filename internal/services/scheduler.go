package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"optify/internal/config"
	"optify/internal/models"
	"optify/pkg/bayes"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrCycleInProgress rejects a trigger while a cycle is already running.
// The caller is not queued; it simply tries again later.
var ErrCycleInProgress = errors.New("automation cycle already in progress")

// CycleStats is what a completed cycle writes into the run's details.
type CycleStats struct {
	BaselinesComputed     int `json:"baselines_computed"`
	CandidatesFound       int `json:"candidates_found"`
	TestsCreated          int `json:"tests_created"`
	TestsEvaluated        int `json:"tests_evaluated"`
	Promoted              int `json:"promoted"`
	Stopped               int `json:"stopped"`
	KeptRunning           int `json:"kept_running"`
	NoDecision            int `json:"no_decision"`
	DraftsWithoutVariants int `json:"drafts_without_variants"`
}

// Scheduler runs the end-to-end automation cycle on a cron schedule and
// on manual trigger. Single instance by design: a process-local atomic
// flag is the only re-entrancy guard.
type Scheduler struct {
	db          *gorm.DB
	cfg         config.AutomationConfig
	baselines   *BaselineService
	rules       *RuleEngine
	tests       *TestService
	evaluations *EvaluationService
	promotions  *PromotionService
	logger      *logrus.Logger
	tracer      trace.Tracer
	cron        *cron.Cron
	running     atomic.Bool
}

func NewScheduler(db *gorm.DB, cfg config.AutomationConfig, baselines *BaselineService, rules *RuleEngine,
	tests *TestService, evaluations *EvaluationService, promotions *PromotionService, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		db:          db,
		cfg:         cfg,
		baselines:   baselines,
		rules:       rules,
		tests:       tests,
		evaluations: evaluations,
		promotions:  promotions,
		logger:      logger,
		tracer:      otel.Tracer("optify.scheduler"),
	}
}

// Start registers the recurring cycle. The default schedule is
// "@every 24h".
func (s *Scheduler) Start() error {
	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = "@every 24h"
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.TriggerCycle(context.Background()); err != nil && !errors.Is(err, ErrCycleInProgress) {
			s.logger.Errorf("scheduler: cycle failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid automation schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Infof("scheduler: started with schedule %q", schedule)
	return nil
}

// Stop halts the recurring schedule. A cycle already in flight runs to
// completion.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// IsRunning reports whether a cycle is currently in flight.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// TriggerCycle runs one full automation cycle. Manual triggers and the
// cron tick share this entry point; a second caller during a running
// cycle gets ErrCycleInProgress. Every cycle is recorded as an
// AutomationRun, failed cycles included, and the guard is always
// released.
func (s *Scheduler) TriggerCycle(ctx context.Context) (*models.AutomationRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "scheduler.cycle")
	defer span.End()

	run := &models.AutomationRun{
		RunID:     uuid.NewString(),
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("record automation run: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", run.RunID))

	stats, err := s.runCycle(ctx)
	now := time.Now()
	run.FinishedAt = &now
	run.CandidatesFound = stats.CandidatesFound
	run.TestsCreated = stats.TestsCreated
	details, _ := json.Marshal(stats)
	run.Details = string(details)
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		if dbErr := s.db.WithContext(ctx).Save(run).Error; dbErr != nil {
			s.logger.Errorf("scheduler: save failed run %s: %v", run.RunID, dbErr)
		}
		return run, err
	}

	run.Status = models.RunStatusCompleted
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return run, fmt.Errorf("save automation run: %w", err)
	}
	s.logger.Infof("scheduler: cycle %s done: %d candidates, %d tests created, %d promoted, %d stopped",
		run.RunID, stats.CandidatesFound, stats.TestsCreated, stats.Promoted, stats.Stopped)
	return run, nil
}

// runCycle executes the strictly ordered cycle steps sequentially.
// Per-item failures inside a step are logged and skipped; only step
// setup failures abort the cycle.
func (s *Scheduler) runCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	// 1. Recompute baselines.
	items, err := s.cycleContentItems(ctx)
	if err != nil {
		return stats, err
	}
	personas, funnelStages, err := s.baselines.DistinctSegments(ctx)
	if err != nil {
		return stats, err
	}
	stats.BaselinesComputed = s.baselines.AggregateForItems(ctx, items, personas, funnelStages, s.cfg.WindowDays)

	// 2. Detect candidates, safety-truncated worst-first.
	limits, err := s.tests.GetSafetyLimits(ctx)
	if err != nil {
		return stats, err
	}
	activeRules, err := s.rules.ActiveRules(ctx)
	if err != nil {
		return stats, err
	}
	candidates, err := s.rules.EvaluateRules(ctx, activeRules, limits)
	if err != nil {
		return stats, err
	}
	stats.CandidatesFound = len(candidates)

	// 3. Create and activate tests within both safety budgets.
	if err := s.createTests(ctx, candidates, limits, &stats); err != nil {
		return stats, err
	}

	// 4. Evaluate every active automated test.
	evals, err := s.evaluateActive(ctx, &stats)
	if err != nil {
		return stats, err
	}

	// 5. Promote winners, stop futile tests.
	outcome := s.promotions.AutoPromoteWinners(ctx, evals)
	stats.Promoted = outcome.Promoted
	stats.Stopped = outcome.Stopped
	stats.KeptRunning = outcome.Kept

	return stats, nil
}

// cycleContentItems is the baseline recomputation set: published content
// of every type an active rule covers, plus content referenced by any
// test.
func (s *Scheduler) cycleContentItems(ctx context.Context) ([]models.ContentItem, error) {
	var ruleTypes []string
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("active = ?", true).Distinct().
		Pluck("content_type", &ruleTypes).Error; err != nil {
		return nil, fmt.Errorf("load rule content types: %w", err)
	}
	var testItemIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.ABTest{}).
		Distinct().Pluck("content_item_id", &testItemIDs).Error; err != nil {
		return nil, fmt.Errorf("load tested content ids: %w", err)
	}

	q := s.db.WithContext(ctx).Where("status = ?", "published")
	switch {
	case len(ruleTypes) > 0 && len(testItemIDs) > 0:
		q = q.Where("type IN ? OR id IN ?", ruleTypes, testItemIDs)
	case len(ruleTypes) > 0:
		q = q.Where("type IN ?", ruleTypes)
	case len(testItemIDs) > 0:
		q = q.Where("id IN ?", testItemIDs)
	default:
		return nil, nil
	}

	var items []models.ContentItem
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load cycle content items: %w", err)
	}
	return items, nil
}

func (s *Scheduler) createTests(ctx context.Context, candidates []Candidate, limits models.SafetyLimits, stats *CycleStats) error {
	if len(candidates) == 0 {
		return nil
	}

	// Both counters are read fresh from the store each cycle.
	openTests, err := s.tests.CountOpenAutomatedTests(ctx)
	if err != nil {
		return err
	}
	generationsToday, err := s.tests.CountGenerationsToday(ctx)
	if err != nil {
		return err
	}

	variantsPerTest := s.cfg.VariantsPerTest
	if variantsPerTest <= 0 {
		variantsPerTest = 1
	}
	if limits.MaxVariantsPerTest > 0 && variantsPerTest > limits.MaxVariantsPerTest {
		variantsPerTest = limits.MaxVariantsPerTest
	}

	remainingSlots := int64(limits.MaxConcurrentTests) - openTests
	remainingGenerations := int64(limits.MaxDailyGenerations) - generationsToday
	maxCreatable := remainingSlots
	if budget := remainingGenerations / int64(variantsPerTest); budget < maxCreatable {
		maxCreatable = budget
	}
	if maxCreatable <= 0 {
		s.logger.Infof("scheduler: no capacity for new tests (slots=%d, generations=%d)",
			remainingSlots, remainingGenerations)
		return nil
	}

	for _, cand := range candidates {
		if int64(stats.TestsCreated) >= maxCreatable {
			break
		}
		created, err := s.tests.CreateAutomatedTest(ctx, cand, variantsPerTest)
		if err != nil {
			// One failed candidate does not abort the rest.
			s.logger.Warnf("scheduler: create test for content %d failed: %v", cand.ContentItem.ID, err)
			continue
		}
		stats.TestsCreated++

		if created.GeneratedCount() == 0 {
			// Nothing to compare against; the draft is kept for
			// inspection but never activated.
			s.logger.Warnf("scheduler: test %d has no generated variants, leaving in draft", created.Test.ID)
			stats.DraftsWithoutVariants++
			continue
		}

		var personas, funnelStages []string
		if cand.Persona != nil {
			personas = []string{*cand.Persona}
		}
		if cand.FunnelStage != nil {
			funnelStages = []string{*cand.FunnelStage}
		}
		if err := s.tests.ActivateTest(ctx, created.Test.ID, personas, funnelStages); err != nil {
			s.logger.Warnf("scheduler: activate test %d failed: %v", created.Test.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) evaluateActive(ctx context.Context, stats *CycleStats) ([]*Evaluation, error) {
	active, err := s.tests.ActiveAutomatedTests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active tests: %w", err)
	}

	evals := make([]*Evaluation, 0, len(active))
	for _, test := range active {
		eval, err := s.evaluations.EvaluateTest(ctx, test, s.bayesConfigFor(ctx, test))
		if err != nil {
			s.logger.Warnf("scheduler: evaluate test %d failed: %v", test.ID, err)
			continue
		}
		stats.TestsEvaluated++
		if eval.NoDecisionReason != "" {
			s.logger.Debugf("scheduler: test %d: %s", test.ID, eval.NoDecisionReason)
			stats.NoDecision++
		}
		evals = append(evals, eval)
	}
	return evals, nil
}

// bayesConfigFor resolves decision thresholds from the rule that spawned
// the test, falling back to the configured defaults.
func (s *Scheduler) bayesConfigFor(ctx context.Context, test models.ABTest) bayes.Config {
	cfg := bayes.Config{
		ConfidenceThreshold:     s.cfg.ConfidenceThreshold,
		MinimumSampleSize:       s.cfg.MinimumSampleSize,
		MinimumDetectableEffect: s.cfg.MinDetectableEffect,
	}
	if test.RuleID == nil {
		return cfg
	}
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, *test.RuleID).Error; err != nil {
		s.logger.Warnf("scheduler: rule %d for test %d not found, using defaults", *test.RuleID, test.ID)
		return cfg
	}
	if rule.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = rule.ConfidenceThreshold
	}
	if rule.MinimumSampleSize > 0 {
		cfg.MinimumSampleSize = int(rule.MinimumSampleSize)
	}
	return cfg
}
