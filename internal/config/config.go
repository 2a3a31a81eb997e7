package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Model    ModelConfig    `mapstructure:"model"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ModelConfig holds the anomaly engine hyperparameters
type ModelConfig struct {
	NumTrees      int     `mapstructure:"num_trees"`
	SubsampleSize int     `mapstructure:"subsample_size"`
	Contamination float64 `mapstructure:"contamination"`
	Seed          int64   `mapstructure:"seed"`
	Workers       int     `mapstructure:"workers"`
	ZThreshold    float64 `mapstructure:"z_threshold"`
}

// IngestConfig holds spreadsheet ingestion configuration
type IngestConfig struct {
	SheetName    string `mapstructure:"sheet_name"`
	FirstRowOnly bool   `mapstructure:"first_row_only"`
}

// StorageConfig holds assessment history configuration
type StorageConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DBPath         string `mapstructure:"db_path"`
	MaxAssessments int    `mapstructure:"max_assessments"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds metrics export configuration. An empty TextfilePath
// disables the export.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. COHORTGUARD_MODEL_SEED
	v.SetEnvPrefix("COHORTGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key is registered so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	// Model defaults
	v.SetDefault("model.num_trees", 100)
	v.SetDefault("model.subsample_size", 256)
	v.SetDefault("model.contamination", 0.23)
	v.SetDefault("model.seed", 42)
	v.SetDefault("model.workers", 0)
	v.SetDefault("model.z_threshold", 2.0)

	// Ingest defaults
	v.SetDefault("ingest.sheet_name", "Ark1")
	v.SetDefault("ingest.first_row_only", false)

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/cohortguard.db")
	v.SetDefault("storage.max_assessments", 10000)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.textfile_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Model config
	if c.Model.NumTrees < 1 {
		return fmt.Errorf("model.num_trees must be at least 1")
	}
	if c.Model.SubsampleSize < 2 {
		return fmt.Errorf("model.subsample_size must be at least 2")
	}
	if c.Model.Contamination <= 0.0 || c.Model.Contamination > 0.5 {
		return fmt.Errorf("model.contamination must be in (0.0, 0.5]")
	}
	if c.Model.Workers < 0 {
		return fmt.Errorf("model.workers must not be negative")
	}
	if c.Model.ZThreshold <= 0.0 {
		return fmt.Errorf("model.z_threshold must be positive")
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxAssessments < 1 {
			return fmt.Errorf("storage.max_assessments must be at least 1")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Telegram.MaxRetries < 0 {
		return fmt.Errorf("telegram.max_retries must not be negative")
	}
	if c.Telegram.RetryDelayBase < 0 {
		return fmt.Errorf("telegram.retry_delay_base must not be negative")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// GetModelConfig returns the Model configuration
func (c *Config) GetModelConfig() ModelConfig {
	return c.Model
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetStorageConfig returns the Storage configuration
func (c *Config) GetStorageConfig() StorageConfig {
	return c.Storage
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}
