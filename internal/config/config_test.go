package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 25, cfg.Quota.DailyLimit)
	assert.Equal(t, "America/New_York", cfg.Quota.ReferenceTimezone)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Quota.DailyLimit, cfg.Quota.DailyLimit)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optchain.json")
	content := `{
		"storage": {"type": "memory"},
		"quota": {"daily_limit": 5, "reference_timezone": "America/New_York", "local_timezone": "UTC"},
		"logging": {"level": "debug", "format": "text", "output": "stderr"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 5, cfg.Quota.DailyLimit)
	assert.Equal(t, "UTC", cfg.Quota.LocalTimezone)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, "https://www.alphavantage.co", cfg.Provider.BaseURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optchain.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"quota": {"daily_limit": 5}}`), 0644))

	t.Setenv("DAILY_LIMIT", "7")
	t.Setenv("DATABASE_URL", "/tmp/env.db")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Quota.DailyLimit)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.DatabaseURL)
	assert.Equal(t, 3, cfg.Runner.WorkerCount)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optchain.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))

	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*AppConfig)
	}{
		{
			name:   "unknown_storage_type",
			modify: func(c *AppConfig) { c.Storage.Type = "oracle" },
		},
		{
			name: "sqlite_without_database_url",
			modify: func(c *AppConfig) {
				c.Storage.Type = "sqlite"
				c.Storage.DatabaseURL = ""
			},
		},
		{
			name:   "zero_daily_limit",
			modify: func(c *AppConfig) { c.Quota.DailyLimit = 0 },
		},
		{
			name:   "unknown_reference_timezone",
			modify: func(c *AppConfig) { c.Quota.ReferenceTimezone = "Mars/Olympus_Mons" },
		},
		{
			name:   "bad_provider_timeout",
			modify: func(c *AppConfig) { c.Provider.Timeout = "soon" },
		},
		{
			name:   "zero_rate",
			modify: func(c *AppConfig) { c.Provider.RequestsPerSecond = 0 },
		},
		{
			name:   "zero_workers",
			modify: func(c *AppConfig) { c.Runner.WorkerCount = 0 },
		},
		{
			name:   "unknown_log_level",
			modify: func(c *AppConfig) { c.Logging.Level = "verbose" },
		},
		{
			name: "file_output_without_path",
			modify: func(c *AppConfig) {
				c.Logging.Output = "file"
				c.Logging.FilePath = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
