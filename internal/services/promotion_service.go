package services

import (
	"context"
	"fmt"

	"optify/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PromotionService is the only writer of live content overrides and of a
// test's winner variant id.
type PromotionService struct {
	db     *gorm.DB
	tests  *TestService
	logger *logrus.Logger
}

func NewPromotionService(db *gorm.DB, tests *TestService, logger *logrus.Logger) *PromotionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PromotionService{db: db, tests: tests, logger: logger}
}

// PromotionOutcome summarizes what AutoPromoteWinners did in one cycle.
type PromotionOutcome struct {
	Promoted int `json:"promoted"`
	Stopped  int `json:"stopped"`
	Kept     int `json:"kept_running"`
}

// AutoPromoteWinners walks a cycle's evaluations: promote significant
// winners, stop futile tests, leave the rest running. Per-test failures
// are logged and do not abort the batch.
func (s *PromotionService) AutoPromoteWinners(ctx context.Context, evals []*Evaluation) PromotionOutcome {
	var outcome PromotionOutcome
	for _, eval := range evals {
		switch {
		case eval.HasWinner:
			if err := s.PromoteWinner(ctx, eval); err != nil {
				s.logger.Warnf("promotion: test %d promote failed: %v", eval.Test.ID, err)
				continue
			}
			s.logger.Infof("promotion: test %d promoted variant %d (P=%.3f, lift=%.1f%%)",
				eval.Test.ID, eval.Challenger.ID,
				eval.Result.ProbabilityBeatsControl, eval.Result.ExpectedLiftPercent)
			outcome.Promoted++
		case eval.Stop.ShouldStop:
			if err := s.tests.StopTest(ctx, eval.Test.ID, nil); err != nil {
				s.logger.Warnf("promotion: test %d futility stop failed: %v", eval.Test.ID, err)
				continue
			}
			s.logger.Infof("promotion: test %d stopped without winner: %s", eval.Test.ID, eval.Stop.Reason)
			outcome.Stopped++
		default:
			outcome.Kept++
		}
	}
	return outcome
}

// PromoteWinner applies the winning challenger's payload to the live
// content and completes the test with the winner recorded. Idempotent:
// repeating a promotion leaves the same final state.
func (s *PromotionService) PromoteWinner(ctx context.Context, eval *Evaluation) error {
	if eval.Challenger == nil {
		return fmt.Errorf("test %d: no challenger to promote", eval.Test.ID)
	}
	if err := s.applyPayload(ctx, eval.Test.ContentItemID, eval.Challenger.Payload); err != nil {
		return err
	}

	test, err := s.tests.GetTest(ctx, eval.Test.ID)
	if err != nil {
		return err
	}
	if test.Status == models.TestStatusCompleted {
		// Re-promotion of an already completed test: just make sure the
		// winner is recorded.
		if test.WinnerVariantID == nil || *test.WinnerVariantID != eval.Challenger.ID {
			return s.db.WithContext(ctx).Model(test).
				Update("winner_variant_id", eval.Challenger.ID).Error
		}
		return nil
	}
	winnerID := eval.Challenger.ID
	return s.tests.StopTest(ctx, eval.Test.ID, &winnerID)
}

// RollbackPromotion restores the control variant's payload to the live
// content and clears the recorded winner. This is an explicit admin
// action: a missing control variant is a loud error, and rollback works
// even after the test has completed. The test status is not changed.
func (s *PromotionService) RollbackPromotion(ctx context.Context, testID uint) error {
	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	control, err := controlVariant(test.Variants)
	if err != nil {
		return fmt.Errorf("rollback of test %d: %w", testID, err)
	}
	if err := s.applyPayload(ctx, test.ContentItemID, control.Payload); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(test).
		Update("winner_variant_id", nil).Error; err != nil {
		return fmt.Errorf("clear winner of test %d: %w", testID, err)
	}
	s.logger.Infof("promotion: test %d rolled back to control variant %d", testID, control.ID)
	return nil
}

func (s *PromotionService) applyPayload(ctx context.Context, contentItemID uint, payload string) error {
	res := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id = ?", contentItemID).
		Update("payload", payload)
	if res.Error != nil {
		return fmt.Errorf("apply payload to content %d: %w", contentItemID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("content %d not found", contentItemID)
	}
	return nil
}
