// Package config loads the ingester configuration from a YAML file and the
// environment. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/logging"
	"github.com/Sternrassler/rollbar-ingest/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Config represents the rollbar-ingest configuration.
type Config struct {
	Rollbar  RollbarConfig  `yaml:"rollbar"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Run      RunConfig      `yaml:"run"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RollbarConfig holds API settings.
type RollbarConfig struct {
	Token          string `yaml:"token"`            // Project access token with read scope
	BaseURL        string `yaml:"base_url"`         // API base URL
	RateLimit      int    `yaml:"rate_limit"`       // Requests per rate window
	RateWindowSecs int    `yaml:"rate_window_secs"` // Length of the rate window
	TimeoutSecs    int    `yaml:"timeout_secs"`     // Per-request timeout
	MaxAttempts    int    `yaml:"max_attempts"`     // Retry budget override (0 = per-class defaults)
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	Driver     string `yaml:"driver"`      // postgres or sqlite
	DSN        string `yaml:"dsn"`         // Connection URL or SQLite path
	TxAttempts int    `yaml:"tx_attempts"` // Attempts per page transaction
}

// RedisConfig holds optional Redis settings.
type RedisConfig struct {
	URL               string `yaml:"url"`                  // redis://host:port/db (empty = disabled)
	Cursor            bool   `yaml:"cursor"`               // Keep the cursor in Redis instead of the database
	ItemCacheTTLHours int    `yaml:"item_cache_ttl_hours"` // Lifetime of cached item IDs
}

// RunConfig holds the run parameters.
type RunConfig struct {
	Counter  int64 `yaml:"counter"`   // Project counter of the item
	Count    int   `yaml:"count"`     // Records to store
	PageSize int   `yaml:"page_size"` // Records per page request
	Fresh    bool  `yaml:"fresh"`     // Ignore a stored cursor
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // Console output instead of JSON
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Listen address for /metrics (empty = disabled)
}

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	if e.Field == "" {
		return "config: " + msg
	}
	return fmt.Sprintf("config: %s %s", e.Field, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Rollbar: RollbarConfig{
			BaseURL:        "https://api.rollbar.com",
			RateLimit:      60,
			RateWindowSecs: 60,
			TimeoutSecs:    30,
		},
		Database: DatabaseConfig{
			Driver:     storage.DriverSQLite,
			DSN:        "rollbars.db",
			TxAttempts: 3,
		},
		Redis: RedisConfig{
			ItemCacheTTLHours: 24,
		},
		Run: RunConfig{
			PageSize: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from path and applies environment overrides.
// An empty path yields the defaults. The result is not validated; call
// Validate once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Msg: "failed to read config file", Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Msg: "failed to parse config file", Err: err}
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ROLLBAR_TOKEN"); v != "" {
		c.Rollbar.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if os.Getenv("DATABASE_DRIVER") == "" {
			c.Database.Driver = storage.DriverPostgres
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.Log.Level = "debug"
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration. Every problem is a *ConfigError.
func (c *Config) Validate() error {
	if c.Rollbar.Token == "" {
		return &ConfigError{Field: "rollbar.token", Msg: "is required (set ROLLBAR_TOKEN or --token)"}
	}
	if c.Run.Counter <= 0 {
		return &ConfigError{Field: "run.counter", Msg: fmt.Sprintf("must be > 0 (got: %d)", c.Run.Counter)}
	}
	if c.Run.Count <= 0 {
		return &ConfigError{Field: "run.count", Msg: fmt.Sprintf("must be > 0 (got: %d)", c.Run.Count)}
	}
	if c.Run.PageSize <= 0 {
		return &ConfigError{Field: "run.page_size", Msg: fmt.Sprintf("must be > 0 (got: %d)", c.Run.PageSize)}
	}
	if c.Rollbar.RateLimit <= 0 || c.Rollbar.RateWindowSecs <= 0 {
		return &ConfigError{Field: "rollbar.rate_limit", Msg: "rate limit and window must be > 0"}
	}
	if c.Rollbar.MaxAttempts < 0 {
		return &ConfigError{Field: "rollbar.max_attempts", Msg: "must be >= 0"}
	}
	if !storage.ValidDriver(c.Database.Driver) {
		return &ConfigError{Field: "database.driver", Msg: fmt.Sprintf("must be postgres or sqlite (got: %s)", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &ConfigError{Field: "database.dsn", Msg: "is required (set DATABASE_URL or --db-dsn)"}
	}
	if c.Redis.Cursor && c.Redis.URL == "" {
		return &ConfigError{Field: "redis.cursor", Msg: "requires redis.url"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Msg: "must be debug, info, warn, or error", Err: err}
	}
	return nil
}

// RateWindow returns the rate window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Rollbar.RateWindowSecs) * time.Second
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Rollbar.TimeoutSecs) * time.Second
}

// ItemCacheTTL returns the lifetime of cached item IDs.
func (c *Config) ItemCacheTTL() time.Duration {
	return time.Duration(c.Redis.ItemCacheTTLHours) * time.Hour
}

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
