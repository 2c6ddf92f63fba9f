// Package config provides centralized configuration for the options chain
// collector. Configuration is assembled from defaults, an optional JSON
// file, and environment variable overrides, then validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" env:"APP_NAME"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Provider configuration
	Provider ProviderConfig `json:"provider"`

	// Quota configuration
	Quota QuotaConfig `json:"quota"`

	// Batch runner configuration
	Runner RunnerConfig `json:"runner"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" env:"STORAGE_TYPE"`         // "sqlite", "memory"
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"` // SQLite file path
}

// ProviderConfig configures the market data provider client
type ProviderConfig struct {
	BaseURL           string  `json:"base_url" env:"PROVIDER_BASE_URL"`
	Timeout           string  `json:"timeout" env:"HTTP_TIMEOUT"`
	RequestsPerSecond float64 `json:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// QuotaConfig configures the per-key daily quota ledger
type QuotaConfig struct {
	DailyLimit        int    `json:"daily_limit" env:"DAILY_LIMIT"`               // Calls per key per reference day
	ReferenceTimezone string `json:"reference_timezone" env:"REFERENCE_TIMEZONE"` // Timezone defining the quota day
	LocalTimezone     string `json:"local_timezone" env:"LOCAL_TIMEZONE"`         // Operator timezone for audit timestamps
}

// RunnerConfig configures batch execution
type RunnerConfig struct {
	WorkerCount   int `json:"worker_count" env:"WORKER_COUNT"`     // Number of worker goroutines
	RetryAttempts int `json:"retry_attempts" env:"RETRY_ATTEMPTS"` // Maximum retry attempts per work unit
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output     string `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "options-chain-collector",
		Storage: StorageConfig{
			Type:        "sqlite",
			DatabaseURL: "optchain.db",
		},
		Provider: ProviderConfig{
			BaseURL:           "https://www.alphavantage.co",
			Timeout:           "30s",
			RequestsPerSecond: 1,
		},
		Quota: QuotaConfig{
			DailyLimit:        25,
			ReferenceTimezone: "America/New_York",
			LocalTimezone:     "Local",
		},
		Runner: RunnerConfig{
			WorkerCount:   1,
			RetryAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/optchain.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Load assembles configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func Load(configPath string, logger *slog.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config := DefaultConfig()
	config.ConfigPath = configPath

	if configPath != "" {
		if err := loadFromFile(config, configPath, logger); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Debug("configuration loaded",
		"config_path", configPath,
		"storage_type", config.Storage.Type,
		"daily_limit", config.Quota.DailyLimit,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile merges a JSON config file into config. A missing file is
// not an error; the defaults stand.
func loadFromFile(config *AppConfig, path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// loadFromEnv overrides config fields from environment variables.
func loadFromEnv(config *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Storage.DatabaseURL = val
	}

	if val := os.Getenv("PROVIDER_BASE_URL"); val != "" {
		config.Provider.BaseURL = val
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.Provider.Timeout = val
	}
	if val := os.Getenv("REQUESTS_PER_SECOND"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			config.Provider.RequestsPerSecond = rps
		}
	}

	if val := os.Getenv("DAILY_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Quota.DailyLimit = limit
		}
	}
	if val := os.Getenv("REFERENCE_TIMEZONE"); val != "" {
		config.Quota.ReferenceTimezone = val
	}
	if val := os.Getenv("LOCAL_TIMEZONE"); val != "" {
		config.Quota.LocalTimezone = val
	}

	if val := os.Getenv("WORKER_COUNT"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			config.Runner.WorkerCount = workers
		}
	}
	if val := os.Getenv("RETRY_ATTEMPTS"); val != "" {
		if attempts, err := strconv.Atoi(val); err == nil {
			config.Runner.RetryAttempts = attempts
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}
}

// Validate checks the configuration for consistency and required fields.
func (c *AppConfig) Validate() error {
	var errors []string

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.DatabaseURL == "" {
			errors = append(errors, "database_url is required for sqlite storage")
		}
	case "memory":
	default:
		errors = append(errors, fmt.Sprintf("invalid storage type: %s (must be sqlite or memory)", c.Storage.Type))
	}

	if c.Provider.BaseURL == "" {
		errors = append(errors, "provider base_url is required")
	}
	if _, err := time.ParseDuration(c.Provider.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("invalid provider timeout: %s", c.Provider.Timeout))
	}
	if c.Provider.RequestsPerSecond <= 0 {
		errors = append(errors, "provider requests_per_second must be positive")
	}

	if c.Quota.DailyLimit <= 0 {
		errors = append(errors, "quota daily_limit must be positive")
	}
	if _, err := time.LoadLocation(c.Quota.ReferenceTimezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid reference timezone: %s", c.Quota.ReferenceTimezone))
	}
	if _, err := time.LoadLocation(c.Quota.LocalTimezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid local timezone: %s", c.Quota.LocalTimezone))
	}

	if c.Runner.WorkerCount <= 0 {
		errors = append(errors, "runner worker_count must be positive")
	}
	if c.Runner.RetryAttempts < 1 {
		errors = append(errors, "runner retry_attempts must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format: %s", c.Logging.Format))
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			errors = append(errors, "file_path is required for file log output")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid log output: %s", c.Logging.Output))
	}

	if len(errors) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// HTTPTimeout returns the parsed provider timeout.
func (c *AppConfig) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.Provider.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
