package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"optify/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newServicesTestDB(t *testing.T) *gorm.DB {
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

func seedDefaultProfile(t *testing.T, db *gorm.DB, contentType string) models.MetricWeightProfile {
	t.Helper()
	profile := models.MetricWeightProfile{
		Name:        contentType + " default",
		ContentType: contentType,
		IsDefault:   true,
	}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("create profile: %v", err)
	}
	weights := []models.MetricWeight{
		{ProfileID: profile.ID, MetricKey: "conversion_rate", Weight: 4, Direction: "maximize", Position: 0},
		{ProfileID: profile.ID, MetricKey: "cta_click_rate", Weight: 3, Direction: "maximize", Position: 1},
		{ProfileID: profile.ID, MetricKey: "dwell_time_avg", Weight: 2, Direction: "maximize", Position: 2},
		{ProfileID: profile.ID, MetricKey: "scroll_depth_avg", Weight: 1, Direction: "maximize", Position: 3},
	}
	if err := db.Create(&weights).Error; err != nil {
		t.Fatalf("create weights: %v", err)
	}
	return profile
}

func seedContentItem(t *testing.T, db *gorm.DB, contentType, slug string) models.ContentItem {
	t.Helper()
	item := models.ContentItem{
		Type:    contentType,
		Slug:    slug,
		Title:   "Item " + slug,
		Payload: `{"headline":"Original headline","cta_text":"Sign up","body":"Original body"}`,
		Status:  "published",
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("create content item %s: %v", slug, err)
	}
	return item
}

// seedViewEvents writes n view events with distinct sessions, of which
// conversions sessions also convert.
func seedViewEvents(t *testing.T, db *gorm.DB, itemID uint, variantID *uint, n, conversions int) {
	t.Helper()
	now := time.Now()
	var suffix string
	if variantID != nil {
		suffix = fmt.Sprintf("v%d-", *variantID)
	}
	for i := 0; i < n; i++ {
		session := fmt.Sprintf("%ssess-%d-%d", suffix, itemID, i)
		events := []models.ContentEvent{{
			ContentItemID: itemID,
			VariantID:     variantID,
			SessionID:     session,
			EventType:     "view",
			CreatedAt:     now.Add(-time.Hour),
		}}
		if i < conversions {
			events = append(events, models.ContentEvent{
				ContentItemID: itemID,
				VariantID:     variantID,
				SessionID:     session,
				EventType:     "conversion",
				CreatedAt:     now.Add(-time.Hour),
			})
		}
		if err := db.Create(&events).Error; err != nil {
			t.Fatalf("seed events for item %d: %v", itemID, err)
		}
	}
}

// stubGenerator is a deterministic VariantGenerator test double.
// Attempt indexes listed in failAt return an error.
type stubGenerator struct {
	calls  int
	failAt map[int]bool
}

func (g *stubGenerator) Generate(_ context.Context, gc GenerationContext) (map[string]interface{}, error) {
	g.calls++
	if g.failAt[gc.VariantIndex] {
		return nil, fmt.Errorf("generation failed for variant %d", gc.VariantIndex)
	}
	payload := make(map[string]interface{}, len(gc.ControlPayload))
	for k, v := range gc.ControlPayload {
		payload[k] = v
	}
	payload["headline"] = fmt.Sprintf("Generated headline %d", gc.VariantIndex)
	return payload, nil
}

func strPtr(s string) *string { return &s }
