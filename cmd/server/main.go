package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optify/internal/config"
	"optify/internal/handlers"
	"optify/internal/models"
	"optify/internal/observability"
	"optify/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			appLogger.Warnf("gorm tracing plugin: %v", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := models.AutoMigrateAll(db); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
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

	if err := scheduler.Start(); err != nil {
		appLogger.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"timestamp":     time.Now().UTC(),
			"cycle_running": scheduler.IsRunning(),
		})
	})

	api := r.Group("/api")
	handlers.NewAutomationHandler(db, scheduler, testService).RegisterAutomationRoutes(api)
	handlers.NewTestHandler(testService, evaluationService, promotionService).RegisterTestRoutes(api)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		appLogger.Warnf("tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
