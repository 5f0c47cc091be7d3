package models

import (
	"time"

	"gorm.io/gorm"
)

// Content item whose presentation is being optimized. Payload is the
// live presentational JSON document served to visitors.
type ContentItem struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Type      string         `gorm:"index;not null" json:"type"` // landing_page, pricing_page, email_template
	Slug      string         `gorm:"unique;not null" json:"slug"`
	Title     string         `json:"title"`
	Payload   string         `gorm:"type:text" json:"payload"` // JSON document
	Status    string         `gorm:"default:'published'" json:"status"` // draft, published, archived
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Baselines []PerformanceBaseline `gorm:"foreignKey:ContentItemID" json:"baselines,omitempty"`
	Tests     []ABTest              `gorm:"foreignKey:ContentItemID" json:"tests,omitempty"`
}

// Raw interaction event recorded by the capture layer. The aggregator
// reads these; nothing in this module writes them outside of tests.
type ContentEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ContentItemID uint      `gorm:"index" json:"content_item_id"`
	VariantID     *uint     `gorm:"index" json:"variant_id"`
	SessionID     string    `gorm:"index" json:"session_id"`
	Persona       string    `gorm:"index" json:"persona"`
	FunnelStage   string    `gorm:"index" json:"funnel_stage"`
	EventType     string    `gorm:"index" json:"event_type"` // view, conversion, cta_click, dwell, scroll
	Value         float64   `json:"value"`                   // dwell seconds or scroll depth percent
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// Weighted metric profile for one content type. Exactly one profile per
// content type should be flagged default. Read-only at runtime.
type MetricWeightProfile struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	ContentType string    `gorm:"index;not null" json:"content_type"`
	IsDefault   bool      `gorm:"default:false" json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Weights []MetricWeight `gorm:"foreignKey:ProfileID" json:"weights,omitempty"`
}

// One weighted metric entry of a profile.
type MetricWeight struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	ProfileID uint    `gorm:"index" json:"profile_id"`
	MetricKey string  `gorm:"not null" json:"metric_key"`
	Weight    float64 `gorm:"not null" json:"weight"`
	Direction string  `gorm:"default:'maximize'" json:"direction"` // maximize, minimize
	Position  int     `gorm:"default:0" json:"position"`
}

// Rolling-window performance aggregate for a content item, optionally
// scoped to a persona and funnel stage (nil means "overall"). Recomputed
// wholesale every cycle, never partially updated.
type PerformanceBaseline struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ContentType     string    `gorm:"index" json:"content_type"`
	ContentItemID   uint      `gorm:"index" json:"content_item_id"`
	Persona         *string   `gorm:"index" json:"persona"`
	FunnelStage     *string   `gorm:"index" json:"funnel_stage"`
	WindowStart     time.Time `json:"window_start"`
	WindowDays      int       `json:"window_days"`
	TotalViews      int64     `json:"total_views"`
	UniqueViews     int64     `json:"unique_views"`
	TotalEvents     int64     `json:"total_events"`
	MetricBreakdown string    `gorm:"type:text" json:"metric_breakdown"` // JSON map of metric key -> raw value
	CompositeScore  int       `json:"composite_score"`                   // 0..10000
	SampleSize      int64     `json:"sample_size"`                       // = unique views
	Variance        *float64  `json:"variance"`                          // Bernoulli proxy, nil when no sample
	ProfileID       uint      `gorm:"index" json:"profile_id"`           // profile the score was computed under
	ComputedAt      time.Time `json:"computed_at"`
}

// Metrics decodes the JSON breakdown column.
func (b *PerformanceBaseline) Metrics() map[string]float64 {
	return decodeMetricMap(b.MetricBreakdown)
}
