package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"optify/internal/config"
	"optify/internal/models"
	"optify/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newHandlerRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	generator := services.NewOpenAIGenerator(cfg.AI.OpenAI, nil)
	baselines := services.NewBaselineService(db, nil)
	rules := services.NewRuleEngine(db, baselines, 30, nil)
	tests := services.NewTestService(db, generator, models.SafetyLimits{
		MaxConcurrentTests: 3, MaxDailyGenerations: 10, MaxVariantsPerTest: 2,
	}, nil)
	evaluations := services.NewEvaluationService(db, nil)
	promotions := services.NewPromotionService(db, tests, nil)
	scheduler := services.NewScheduler(db, cfg.Automation, baselines, rules,
		tests, evaluations, promotions, nil)

	router := gin.New()
	api := router.Group("/api")
	NewAutomationHandler(db, scheduler, tests).RegisterAutomationRoutes(api)
	NewTestHandler(tests, evaluations, promotions).RegisterTestRoutes(api)
	return router
}

func TestAutomationHandler_Limits(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newHandlerRouter(t, db)

	req := httptest.NewRequest("GET", "/api/automation/limits", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var limits models.SafetyLimits
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &limits))
	assert.Equal(t, 3, limits.MaxConcurrentTests)

	limits.MaxConcurrentTests = 7
	body, _ := json.Marshal(limits)
	req = httptest.NewRequest("PUT", "/api/automation/limits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var updated models.SafetyLimits
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, 7, updated.MaxConcurrentTests)
}

func TestAutomationHandler_Rules(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newHandlerRouter(t, db)

	rule := models.AutomationRule{Name: "low performers", ContentType: "landing_page", Active: true}
	body, _ := json.Marshal(rule)
	req := httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Missing required fields are rejected.
	bad, _ := json.Marshal(models.AutomationRule{Name: "nameless type"})
	req = httptest.NewRequest("POST", "/api/automation/rules", bytes.NewReader(bad))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("GET", "/api/automation/rules", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var rules []models.AutomationRule
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)

	req = httptest.NewRequest("DELETE", "/api/automation/rules/1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("DELETE", "/api/automation/rules/999", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_TriggerAndRuns(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newHandlerRouter(t, db)

	req := httptest.NewRequest("POST", "/api/automation/trigger", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var run models.AutomationRun
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.RunID)

	req = httptest.NewRequest("GET", "/api/automation/runs", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var runs []models.AutomationRun
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestTestHandler_LifecycleEndpoints(t *testing.T) {
	db := newHandlerTestDB(t)
	router := newHandlerRouter(t, db)

	item := models.ContentItem{Type: "landing_page", Slug: "h-test", Payload: `{"headline":"x"}`, Status: "published"}
	assert.NoError(t, db.Create(&item).Error)
	test := models.ABTest{Name: "t", ContentItemID: item.ID, Status: models.TestStatusActive, IsAutomated: true}
	assert.NoError(t, db.Create(&test).Error)

	req := httptest.NewRequest("POST", "/api/tests/1/pause", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Pausing a paused test is a conflict, not a server error.
	req = httptest.NewRequest("POST", "/api/tests/1/pause", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	req = httptest.NewRequest("POST", "/api/tests/1/resume", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/api/tests/1/stop", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/tests", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var tests []models.ABTest
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &tests))
	assert.Len(t, tests, 1)
	assert.Equal(t, models.TestStatusCompleted, tests[0].Status)

	req = httptest.NewRequest("GET", "/api/tests/not-a-number", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
