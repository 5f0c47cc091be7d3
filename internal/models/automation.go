package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Test statuses. Draft is initial, completed is terminal, paused and
// active are mutually reversible.
const (
	TestStatusDraft     = "draft"
	TestStatusActive    = "active"
	TestStatusPaused    = "paused"
	TestStatusCompleted = "completed"
)

// AutomationRun statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Threshold types an automation rule may use per metric.
const (
	ThresholdPercentile = "percentile"
	ThresholdAbsolute   = "absolute"
	ThresholdChangeRate = "change_rate"
)

// MetricThreshold is one metric-specific trigger of an automation rule,
// stored as JSON in AutomationRule.MetricThresholds.
type MetricThreshold struct {
	MetricKey      string  `json:"metric_key"`
	ThresholdType  string  `json:"threshold_type"` // percentile, absolute, change_rate
	ThresholdValue float64 `json:"threshold_value"`
	MinimumSample  int64   `json:"minimum_sample"`
}

// AutomationRule describes when content of a type counts as
// underperforming. Empty personas/funnel stages mean "all".
type AutomationRule struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Name                string         `gorm:"not null" json:"name"`
	ContentType         string         `gorm:"index;not null" json:"content_type"`
	Personas            *string        `gorm:"type:text" json:"personas"`          // JSON array, nil = all
	FunnelStages        *string        `gorm:"type:text" json:"funnel_stages"`     // JSON array, nil = all
	MetricThresholds    *string        `gorm:"type:text" json:"metric_thresholds"` // JSON array of MetricThreshold
	ConfidenceThreshold float64        `gorm:"default:0.95" json:"confidence_threshold"`
	MinimumSampleSize   int64          `gorm:"default:30" json:"minimum_sample_size"`
	Active              bool           `gorm:"default:true" json:"active"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// Thresholds decodes the rule's metric thresholds, nil when the rule
// relies on the composite-score fallback.
func (r *AutomationRule) Thresholds() []MetricThreshold {
	if r.MetricThresholds == nil || *r.MetricThresholds == "" {
		return nil
	}
	var out []MetricThreshold
	if err := json.Unmarshal([]byte(*r.MetricThresholds), &out); err != nil {
		return nil
	}
	return out
}

// PersonaList decodes the rule's persona scope, nil meaning all.
func (r *AutomationRule) PersonaList() []string { return decodeStringList(r.Personas) }

// FunnelStageList decodes the rule's funnel-stage scope, nil meaning all.
func (r *AutomationRule) FunnelStageList() []string { return decodeStringList(r.FunnelStages) }

// ABTest is one experiment over a content item.
type ABTest struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	Name              string         `gorm:"not null" json:"name"`
	ContentType       string         `gorm:"index" json:"content_type"`
	ContentItemID     uint           `gorm:"index" json:"content_item_id"`
	RuleID            *uint          `gorm:"index" json:"rule_id"`
	Status            string         `gorm:"default:'draft';index" json:"status"`
	TrafficAllocation int            `gorm:"default:100" json:"traffic_allocation"` // percent of eligible traffic
	IsAutomated       bool           `gorm:"default:false;index" json:"is_automated"`
	WinnerVariantID   *uint          `json:"winner_variant_id"`
	StartedAt         *time.Time     `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`

	Variants []TestVariant `gorm:"foreignKey:TestID" json:"variants,omitempty"`
	Targets  []TestTarget  `gorm:"foreignKey:TestID" json:"targets,omitempty"`
}

// TestVariant is one presentation under test. Exactly one variant per
// test must carry IsControl.
type TestVariant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TestID    uint      `gorm:"index" json:"test_id"`
	Name      string    `json:"name"`
	IsControl bool      `gorm:"default:false" json:"is_control"`
	Payload   string    `gorm:"type:text" json:"payload"` // same JSON shape as the live content
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TestTarget pins a test to one persona x funnel-stage combination,
// materialized on activation. An empty dimension matches any value.
type TestTarget struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TestID      uint   `gorm:"index" json:"test_id"`
	Persona     string `json:"persona"`
	FunnelStage string `json:"funnel_stage"`
}

// SafetyLimits is a single-row table of global caps.
type SafetyLimits struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	MaxConcurrentTests  int       `gorm:"default:3" json:"max_concurrent_tests"`
	MaxDailyGenerations int       `gorm:"default:10" json:"max_daily_generations"`
	MaxVariantsPerTest  int       `gorm:"default:2" json:"max_variants_per_test"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AutomationRun is the append-only audit record of one scheduler cycle.
type AutomationRun struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RunID           string     `gorm:"unique" json:"run_id"` // uuid
	Status          string     `gorm:"index" json:"status"`  // running, completed, failed
	CandidatesFound int        `json:"candidates_found"`
	TestsCreated    int        `json:"tests_created"`
	Details         string     `gorm:"type:text" json:"details"`
	Error           string     `gorm:"type:text" json:"error"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// GenerationRecord logs one AI variant-generation attempt. The daily
// generation budget is enforced by counting today's rows, so the counter
// survives restarts.
type GenerationRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TestID        uint      `gorm:"index" json:"test_id"`
	ContentItemID uint      `gorm:"index" json:"content_item_id"`
	RequestID     string    `json:"request_id"` // uuid
	Status        string    `json:"status"`     // success, failed
	Error         string    `gorm:"type:text" json:"error"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func decodeStringList(col *string) []string {
	if col == nil || *col == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*col), &out); err != nil {
		return nil
	}
	return out
}

func decodeMetricMap(raw string) map[string]float64 {
	out := map[string]float64{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// AutoMigrateAll migrates every table this module owns or reads.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&ContentItem{},
		&ContentEvent{},
		&MetricWeightProfile{},
		&MetricWeight{},
		&PerformanceBaseline{},
		&AutomationRule{},
		&ABTest{},
		&TestVariant{},
		&TestTarget{},
		&SafetyLimits{},
		&AutomationRun{},
		&GenerationRecord{},
	)
}
