package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ROLLBAR_TOKEN", "DATABASE_URL", "DATABASE_DRIVER", "REDIS_URL", "LOG_LEVEL", "DEBUG"} {
		t.Setenv(key, "")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Rollbar.Token = "tok"
	cfg.Run.Counter = 1234
	cfg.Run.Count = 50
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://api.rollbar.com", cfg.Rollbar.BaseURL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Run.PageSize)
	assert.Equal(t, time.Minute, cfg.RateWindow())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, 24*time.Hour, cfg.ItemCacheTTL())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rollbar:
  token: file-token
  rate_limit: 30
database:
  driver: postgres
  dsn: postgres://localhost/rollbars
run:
  counter: 77
  count: 500
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Rollbar.Token)
	assert.Equal(t, 30, cfg.Rollbar.RateLimit)
	assert.Equal(t, 60, cfg.Rollbar.RateWindowSecs, "unset keys keep defaults")
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(77), cfg.Run.Counter)
	assert.Equal(t, 500, cfg.Run.Count)
	assert.Equal(t, 20, cfg.Run.PageSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, IsConfigError(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rollbar: [unclosed"), 0o600))
	_, err = Load(path)
	assert.True(t, IsConfigError(err))
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ROLLBAR_TOKEN", "env-token")
	t.Setenv("DATABASE_URL", "postgres://db/rollbars")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Rollbar.Token)
	assert.Equal(t, "postgres://db/rollbars", cfg.Database.DSN)
	assert.Equal(t, "postgres", cfg.Database.Driver, "DATABASE_URL implies postgres")
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Rollbar.Token = "" }, "rollbar.token"},
		{"zero counter", func(c *Config) { c.Run.Counter = 0 }, "run.counter"},
		{"negative count", func(c *Config) { c.Run.Count = -1 }, "run.count"},
		{"zero page size", func(c *Config) { c.Run.PageSize = 0 }, "run.page_size"},
		{"zero rate limit", func(c *Config) { c.Rollbar.RateLimit = 0 }, "rollbar.rate_limit"},
		{"negative attempts", func(c *Config) { c.Rollbar.MaxAttempts = -2 }, "rollbar.max_attempts"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"redis cursor without url", func(c *Config) { c.Redis.Cursor = true }, "redis.cursor"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "want *ConfigError, got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "rollbar.token", Msg: "is required"}
	assert.Equal(t, "config: rollbar.token is required", err.Error())

	wrapped := fmt.Errorf("startup: %w", &ConfigError{Msg: "failed to read config file", Err: os.ErrNotExist})
	assert.True(t, IsConfigError(wrapped))
	assert.ErrorIs(t, wrapped, os.ErrNotExist)
}
