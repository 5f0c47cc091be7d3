package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"optify/internal/config"
	"optify/internal/models"
	"optify/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one automation cycle and exit",
	Long: `Run a single end-to-end automation cycle against the configured
database: refresh baselines, evaluate rules, create and evaluate tests,
promote winners. The cycle is recorded as an AutomationRun exactly as a
scheduled one would be.`,
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := models.AutoMigrateAll(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	generator := services.NewOpenAIGenerator(cfg.AI.OpenAI, appLogger)
	baselineService := services.NewBaselineService(db, appLogger)
	ruleEngine := services.NewRuleEngine(db, baselineService, cfg.Automation.WindowDays, appLogger)
	testService := services.NewTestService(db, generator, models.SafetyLimits{
		MaxConcurrentTests:  cfg.Automation.MaxConcurrentTests,
		MaxDailyGenerations: cfg.Automation.MaxDailyGenerations,
		MaxVariantsPerTest:  cfg.Automation.VariantsPerTest,
	}, appLogger)
	evaluationService := services.NewEvaluationService(db, appLogger)
	promotionService := services.NewPromotionService(db, testService, appLogger)
	scheduler := services.NewScheduler(db, cfg.Automation, baselineService, ruleEngine,
		testService, evaluationService, promotionService, appLogger)

	run, err := scheduler.TriggerCycle(context.Background())
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(out))
	return nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}
