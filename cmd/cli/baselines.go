package cli

import (
	"context"
	"fmt"

	"optify/internal/config"
	"optify/internal/models"
	"optify/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var baselineContentType string

var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "Recompute performance baselines",
	Long: `Recompute rolling performance baselines for all published content
of a content type, overall and per persona/funnel-stage segment.`,
	RunE: runBaselines,
}

func init() {
	baselinesCmd.Flags().StringVarP(&baselineContentType, "type", "t", "", "content type to recompute (required)")
	_ = baselinesCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(baselinesCmd)
}

func runBaselines(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	var items []models.ContentItem
	if err := db.Where("type = ? AND status = ?", baselineContentType, "published").Find(&items).Error; err != nil {
		return fmt.Errorf("list content: %w", err)
	}
	if len(items) == 0 {
		fmt.Printf("no published content of type %q\n", baselineContentType)
		return nil
	}

	baselineService := services.NewBaselineService(db, appLogger)
	personas, stages, err := baselineService.DistinctSegments(context.Background())
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	count := baselineService.AggregateForItems(context.Background(), items, personas, stages, cfg.Automation.WindowDays)
	fmt.Printf("recomputed %d baselines across %d content items\n", count, len(items))
	return nil
}
