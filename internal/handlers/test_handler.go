package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"optify/internal/services"
	"optify/pkg/bayes"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// TestHandler exposes read access and lifecycle controls for A/B tests.
type TestHandler struct {
	tests      *services.TestService
	evaluator  *services.EvaluationService
	promotions *services.PromotionService
}

func NewTestHandler(tests *services.TestService, evaluator *services.EvaluationService, promotions *services.PromotionService) *TestHandler {
	return &TestHandler{tests: tests, evaluator: evaluator, promotions: promotions}
}

// ListTests returns all tests with their variants.
func (h *TestHandler) ListTests(c *gin.Context) {
	tests, err := h.tests.ListTests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list tests", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tests)
}

// GetTest returns a single test with its variants.
func (h *TestHandler) GetTest(c *gin.Context) {
	id, ok := h.testID(c)
	if !ok {
		return
	}
	test, err := h.tests.GetTest(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Test not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load test", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, test)
}

// EvaluateTest runs a Bayesian evaluation of the test on demand without
// promoting or stopping anything.
func (h *TestHandler) EvaluateTest(c *gin.Context) {
	id, ok := h.testID(c)
	if !ok {
		return
	}
	test, err := h.tests.GetTest(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Test not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load test", Message: err.Error()})
		return
	}
	eval, err := h.evaluator.EvaluateTest(c.Request.Context(), *test, bayes.Config{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Evaluation failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, eval)
}

// PauseTest pauses an active test.
func (h *TestHandler) PauseTest(c *gin.Context) {
	h.transition(c, h.tests.PauseTest, "paused")
}

// ResumeTest resumes a paused test.
func (h *TestHandler) ResumeTest(c *gin.Context) {
	h.transition(c, h.tests.ResumeTest, "resumed")
}

// StopTest completes a test without declaring a winner.
func (h *TestHandler) StopTest(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id uint) error {
		return h.tests.StopTest(ctx, id, nil)
	}, "stopped")
}

func (h *TestHandler) transition(c *gin.Context, fn func(context.Context, uint) error, done string) {
	id, ok := h.testID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Test not found"})
		case errors.Is(err, services.ErrInvalidTransition):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Invalid state transition", Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Transition failed", Message: err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: done})
}

// RollbackTest restores the control payload of a completed test.
func (h *TestHandler) RollbackTest(c *gin.Context) {
	id, ok := h.testID(c)
	if !ok {
		return
	}
	if err := h.promotions.RollbackPromotion(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Test not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Rollback failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rolled back"})
}

func (h *TestHandler) testID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// RegisterTestRoutes mounts the test endpoints.
func (h *TestHandler) RegisterTestRoutes(r *gin.RouterGroup) {
	r.GET("/tests", h.ListTests)
	r.GET("/tests/:id", h.GetTest)
	r.GET("/tests/:id/evaluation", h.EvaluateTest)
	r.POST("/tests/:id/pause", h.PauseTest)
	r.POST("/tests/:id/resume", h.ResumeTest)
	r.POST("/tests/:id/stop", h.StopTest)
	r.POST("/tests/:id/rollback", h.RollbackTest)
}
