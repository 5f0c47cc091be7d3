package main

import (
	"fmt"
	"log"
	"os"

	"optify/internal/config"
	"optify/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Event queries always filter by item and time window
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_events_item_created ON content_events(content_item_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_events_variant_created ON content_events(variant_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_events_item_type ON content_events(content_item_id, event_type)")

	// Baseline lookups are by exact scope
	db.Exec("CREATE INDEX IF NOT EXISTS idx_baselines_item_window ON performance_baselines(content_item_id, window_days)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_baselines_type_window ON performance_baselines(content_type, window_days)")

	// Open-test counting filters on automation flag plus status
	db.Exec("CREATE INDEX IF NOT EXISTS idx_ab_tests_automated_status ON ab_tests(is_automated, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_ab_tests_item_status ON ab_tests(content_item_id, status)")

	// Daily generation budget counts today's rows
	db.Exec("CREATE INDEX IF NOT EXISTS idx_generation_records_created ON generation_records(created_at)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// Default metric weight profile for landing pages
	var profile models.MetricWeightProfile
	if err := db.Where("content_type = ? AND is_default = ?", "landing_page", true).First(&profile).Error; err != nil {
		profile = models.MetricWeightProfile{
			Name:        "Landing page default",
			ContentType: "landing_page",
			IsDefault:   true,
		}
		db.Create(&profile)
		db.Create(&[]models.MetricWeight{
			{ProfileID: profile.ID, MetricKey: "conversion_rate", Weight: 4, Direction: "maximize", Position: 0},
			{ProfileID: profile.ID, MetricKey: "cta_click_rate", Weight: 3, Direction: "maximize", Position: 1},
			{ProfileID: profile.ID, MetricKey: "dwell_time_avg", Weight: 2, Direction: "maximize", Position: 2},
			{ProfileID: profile.ID, MetricKey: "scroll_depth_avg", Weight: 1, Direction: "maximize", Position: 3},
		})
		log.Println("Created default landing page weight profile")
	}

	// Default automation rule: composite-score fallback, all segments
	var rule models.AutomationRule
	if err := db.Where("name = ?", "Landing page underperformers").First(&rule).Error; err != nil {
		rule = models.AutomationRule{
			Name:                "Landing page underperformers",
			ContentType:         "landing_page",
			ConfidenceThreshold: 0.95,
			MinimumSampleSize:   30,
			Active:              true,
		}
		db.Create(&rule)
		log.Println("Created default automation rule")
	}

	// Safety limits singleton
	var limits models.SafetyLimits
	if err := db.First(&limits).Error; err != nil {
		limits = models.SafetyLimits{
			MaxConcurrentTests:  3,
			MaxDailyGenerations: 10,
			MaxVariantsPerTest:  2,
		}
		db.Create(&limits)
		log.Println("Created default safety limits")
	}

	// Sample content item
	var item models.ContentItem
	if err := db.Where("slug = ?", "welcome-landing").First(&item).Error; err != nil {
		item = models.ContentItem{
			Type:    "landing_page",
			Slug:    "welcome-landing",
			Title:   "Welcome landing page",
			Payload: `{"headline":"Grow faster with Optify","cta_text":"Start free trial","body":"Automated content experiments for your funnel."}`,
			Status:  "published",
		}
		db.Create(&item)
		log.Println("Created sample content item")
	}
}
