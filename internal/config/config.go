package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	AI         AIConfig         `yaml:"ai"`
	Automation AutomationConfig `yaml:"automation"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	TimeZone        string        `yaml:"time_zone"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AIConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AutomationConfig drives the experiment scheduler and the defaults
// applied when no SafetyLimits row exists yet.
type AutomationConfig struct {
	Schedule            string  `yaml:"schedule"` // cron spec, e.g. "@every 24h"
	WindowDays          int     `yaml:"window_days"`
	VariantsPerTest     int     `yaml:"variants_per_test"`
	MaxConcurrentTests  int     `yaml:"max_concurrent_tests"`
	MaxDailyGenerations int     `yaml:"max_daily_generations"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinimumSampleSize   int     `yaml:"minimum_sample_size"`
	MinDetectableEffect float64 `yaml:"min_detectable_effect"` // percent lift
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "optify",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.8,
				MaxTokens:   2000,
				Timeout:     30 * time.Second,
			},
		},
		Automation: AutomationConfig{
			Schedule:            "@every 24h",
			WindowDays:          30,
			VariantsPerTest:     2,
			MaxConcurrentTests:  3,
			MaxDailyGenerations: 10,
			ConfidenceThreshold: 0.95,
			MinimumSampleSize:   30,
			MinDetectableEffect: 5,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/optify.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "optify",
			},
		},
	}
}
