package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"optify/internal/models"
	"optify/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AutomationHandler exposes the administrative surface of the automation
// engine: manual cycle trigger, run history, rules and safety limits.
type AutomationHandler struct {
	db        *gorm.DB
	scheduler *services.Scheduler
	tests     *services.TestService
}

func NewAutomationHandler(db *gorm.DB, scheduler *services.Scheduler, tests *services.TestService) *AutomationHandler {
	return &AutomationHandler{db: db, scheduler: scheduler, tests: tests}
}

// TriggerCycle runs one automation cycle immediately. A cycle already in
// flight is reported as a conflict, not queued.
func (h *AutomationHandler) TriggerCycle(c *gin.Context) {
	run, err := h.scheduler.TriggerCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Cycle already running"})
			return
		}
		status := http.StatusInternalServerError
		body := ErrorResponse{Error: "Cycle failed", Message: err.Error()}
		if run != nil {
			c.JSON(status, gin.H{"error": body.Error, "message": body.Message, "run": run})
			return
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns returns the automation run audit trail, newest first.
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var runs []models.AutomationRun
	if err := h.db.WithContext(c.Request.Context()).
		Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// GetLimits returns the global safety limits.
func (h *AutomationHandler) GetLimits(c *gin.Context) {
	limits, err := h.tests.GetSafetyLimits(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load limits", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, limits)
}

// UpdateLimits overwrites the global safety limits.
func (h *AutomationHandler) UpdateLimits(c *gin.Context) {
	var req models.SafetyLimits
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	limits, err := h.tests.UpdateSafetyLimits(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update limits", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, limits)
}

// ListRules returns all automation rules.
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var rules []models.AutomationRule
	if err := h.db.WithContext(c.Request.Context()).Order("id DESC").Find(&rules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule stores a new automation rule.
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var rule models.AutomationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if rule.Name == "" || rule.ContentType == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "name and content_type are required"})
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// DeleteRule removes an automation rule.
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	result := h.db.WithContext(c.Request.Context()).Delete(&models.AutomationRule{}, uint(id))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to delete rule", Message: result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Rule not found"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RegisterAutomationRoutes mounts the automation endpoints.
func (h *AutomationHandler) RegisterAutomationRoutes(r *gin.RouterGroup) {
	r.POST("/automation/trigger", h.TriggerCycle)
	r.GET("/automation/runs", h.ListRuns)
	r.GET("/automation/limits", h.GetLimits)
	r.PUT("/automation/limits", h.UpdateLimits)
	r.GET("/automation/rules", h.ListRules)
	r.POST("/automation/rules", h.CreateRule)
	r.DELETE("/automation/rules/:id", h.DeleteRule)
}
