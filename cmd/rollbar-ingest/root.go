package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Sternrassler/rollbar-ingest/internal/config"
	"github.com/Sternrassler/rollbar-ingest/pkg/cache"
	"github.com/Sternrassler/rollbar-ingest/pkg/client"
	"github.com/Sternrassler/rollbar-ingest/pkg/cursor"
	"github.com/Sternrassler/rollbar-ingest/pkg/logging"
	"github.com/Sternrassler/rollbar-ingest/pkg/metrics"
	"github.com/Sternrassler/rollbar-ingest/pkg/pagination"
	"github.com/Sternrassler/rollbar-ingest/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitDone        = 0
	exitFailed      = 1
	exitConfigError = 2
	exitCancelled   = 3
)

// flags holds the command-line overrides. Only flags the user set are
// applied on top of the config file and environment.
type flags struct {
	configPath  string
	token       string
	baseURL     string
	rateLimit   int
	pageSize    int
	dbDriver    string
	dbDSN       string
	redisURL    string
	redisCursor bool
	fresh       bool
	reset       bool
	logLevel    string
	logPretty   bool
	metricsAddr string
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var usageErr *usageError
	switch {
	case err == nil:
		return exitDone
	case errors.Is(err, pagination.ErrCancelled):
		return exitCancelled
	case config.IsConfigError(err), errors.As(err, &usageErr):
		return exitConfigError
	default:
		return exitFailed
	}
}

// usageError marks invalid arguments or flags.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newRootCmd(stdout io.Writer) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "rollbar-ingest [counter count]",
		Short: "Copy Rollbar occurrences into a SQL database",
		Long: `rollbar-ingest - copy the most recent occurrences of a Rollbar item
into PostgreSQL or SQLite.

The item is named by its project counter. Runs are idempotent and resume
from the stored cursor after a failure or interrupt.

Exit codes: 0 done, 1 failed, 2 configuration error, 3 cancelled.`,
		Example: `  ROLLBAR_TOKEN=... rollbar-ingest 1234 500
  rollbar-ingest --db-driver postgres --db-dsn postgres://localhost/rollbars 1234 500
  rollbar-ingest --config ingest.yaml --fresh`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return &usageError{fmt.Errorf("expected <counter> <count>, got %d argument(s)", len(args))}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f, args)
			if err != nil {
				return err
			}
			return runIngest(cmd.Context(), cfg, f.reset, stdout)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	fl.StringVar(&f.token, "token", "", "Rollbar project access token (default $ROLLBAR_TOKEN)")
	fl.StringVar(&f.baseURL, "base-url", "", "Rollbar API base URL")
	fl.IntVar(&f.rateLimit, "rate-limit", 0, "Requests per rate window")
	fl.IntVar(&f.pageSize, "page-size", 0, "Records per page request")
	fl.StringVar(&f.dbDriver, "db-driver", "", "Database driver (postgres, sqlite)")
	fl.StringVar(&f.dbDSN, "db-dsn", "", "Database URL or SQLite path (default $DATABASE_URL)")
	fl.StringVar(&f.redisURL, "redis-url", "", "Redis URL for the item cache (default $REDIS_URL)")
	fl.BoolVar(&f.redisCursor, "redis-cursor", false, "Keep the cursor in Redis")
	fl.BoolVar(&f.fresh, "fresh", false, "Ignore the stored cursor and start from the newest occurrence")
	fl.BoolVar(&f.reset, "reset", false, "Delete stored occurrences, cursors and the cached item ID before the run")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fl.BoolVar(&f.logPretty, "log-pretty", false, "Human-readable log output")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	return cmd
}

// loadConfig merges file, environment, flags and arguments, in that order,
// and validates the result.
func loadConfig(cmd *cobra.Command, f *flags, args []string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("token") {
		cfg.Rollbar.Token = f.token
	}
	if changed("base-url") {
		cfg.Rollbar.BaseURL = f.baseURL
	}
	if changed("rate-limit") {
		cfg.Rollbar.RateLimit = f.rateLimit
	}
	if changed("page-size") {
		cfg.Run.PageSize = f.pageSize
	}
	if changed("db-driver") {
		cfg.Database.Driver = f.dbDriver
	}
	if changed("db-dsn") {
		cfg.Database.DSN = f.dbDSN
	}
	if changed("redis-url") {
		cfg.Redis.URL = f.redisURL
	}
	if changed("redis-cursor") {
		cfg.Redis.Cursor = f.redisCursor
	}
	if changed("fresh") {
		cfg.Run.Fresh = f.fresh
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-pretty") {
		cfg.Log.Pretty = f.logPretty
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}

	if len(args) == 2 {
		counter, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, &config.ConfigError{Field: "counter", Msg: fmt.Sprintf("must be an integer (got: %q)", args[0])}
		}
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, &config.ConfigError{Field: "count", Msg: fmt.Sprintf("must be an integer (got: %q)", args[1])}
		}
		cfg.Run.Counter = counter
		cfg.Run.Count = count
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runIngest wires the components and performs one run.
func runIngest(ctx context.Context, cfg *config.Config, reset bool, stdout io.Writer) error {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	logger := logging.NewLogger("cli")

	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Serve(cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	storeCfg := storage.DefaultConfig(cfg.Database.Driver, cfg.Database.DSN)
	if cfg.Database.TxAttempts > 0 {
		storeCfg.TxAttempts = cfg.Database.TxAttempts
	}
	store, err := storage.Open(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return &config.ConfigError{Field: "redis.url", Msg: "is invalid", Err: err}
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Debug().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	var cursors cursor.Store = store.Cursors()
	if cfg.Redis.Cursor {
		cursors = cursor.NewRedisStore(redisClient)
	}

	if reset {
		if err := store.Reset(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			items := cache.NewManager(redisClient).ItemIDs(cfg.Rollbar.Token, cfg.ItemCacheTTL())
			if err := items.Forget(ctx, cfg.Run.Counter); err != nil {
				return err
			}
		}
		if cfg.Redis.Cursor {
			if err := cursors.Delete(ctx, cfg.Run.Counter); err != nil {
				return err
			}
		}
		logger.Info().Msg("Stored occurrences and cursors deleted")
	}

	clientCfg := client.DefaultConfig(cfg.Rollbar.Token)
	clientCfg.BaseURL = cfg.Rollbar.BaseURL
	clientCfg.RateLimit = cfg.Rollbar.RateLimit
	clientCfg.RateWindow = cfg.RateWindow()
	clientCfg.Timeout = cfg.Timeout()
	clientCfg.Redis = redisClient
	clientCfg.ItemCacheTTL = cfg.ItemCacheTTL()
	if cfg.Rollbar.MaxAttempts > 0 {
		clientCfg.Retry = client.DefaultRetryConfig()
		clientCfg.Retry.MaxAttempts = cfg.Rollbar.MaxAttempts
	}
	rc, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	orch, err := pagination.New(rc, store, cursors, pagination.Config{
		ProjectCounter: cfg.Run.Counter,
		Target:         cfg.Run.Count,
		PageSize:       cfg.Run.PageSize,
		Fresh:          cfg.Run.Fresh,
	})
	if err != nil {
		return err
	}

	res, runErr := orch.Run(ctx)
	printSummary(stdout, cfg.Run.Counter, res)
	return runErr
}

func printSummary(w io.Writer, counter int64, res pagination.Result) {
	fmt.Fprintf(w, "%s: stored %d of %d records for counter %d (%d new, %d dropped, %d pages) in %s\n",
		res.State, res.Fetched, res.Cursor.Target, counter,
		res.Inserted, res.Dropped, res.Pages, res.Duration.Round(time.Millisecond))
	if res.Exhausted {
		fmt.Fprintln(w, "source exhausted before the requested count")
	}
	if res.State == pagination.StateFailed || res.State == pagination.StateCancelled {
		fmt.Fprintf(w, "rerun to resume at offset %d\n", res.Offset)
	}
}
