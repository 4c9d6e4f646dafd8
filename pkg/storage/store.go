// Package storage persists normalized occurrences and ingestion cursors in a
// relational database. PostgreSQL (through pgx) and SQLite (through
// modernc.org/sqlite) are supported.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/logging"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Config holds the database configuration.
type Config struct {
	// Driver is DriverPostgres or DriverSQLite.
	Driver string

	// DSN is a postgres connection URL, or a SQLite file path.
	DSN string

	// TxAttempts bounds how often a failed page transaction is tried.
	TxAttempts int

	// TxBackoff is the pause before the second attempt; it doubles after
	// every further failure.
	TxBackoff time.Duration

	// MaxOpenConns limits the postgres connection pool. SQLite always uses
	// a single connection.
	MaxOpenConns int
}

// DefaultConfig returns the default configuration for driver and dsn.
func DefaultConfig(driver, dsn string) Config {
	return Config{
		Driver:       driver,
		DSN:          dsn,
		TxAttempts:   3,
		TxBackoff:    200 * time.Millisecond,
		MaxOpenConns: 4,
	}
}

// Store is a database handle for the rollbars and ingest_cursors tables.
type Store struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	logger  zerolog.Logger

	// now and sleep are replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Open connects to the database described by cfg and verifies the
// connection. It does not create the schema; call EnsureSchema for that.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	def := DefaultConfig(cfg.Driver, cfg.DSN)
	if cfg.TxAttempts <= 0 {
		cfg.TxAttempts = def.TxAttempts
	}
	if cfg.TxBackoff <= 0 {
		cfg.TxBackoff = def.TxBackoff
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}

	dsn := cfg.DSN
	if d.name == DriverSQLite {
		dsn, err = sqliteDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.name == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{
		db:      db,
		dialect: d,
		cfg:     cfg,
		logger:  logging.NewLogger("storage").With().Str("driver", d.name).Logger(),
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// sqliteDSN turns a file path into a DSN with WAL and a busy timeout.
// DSNs that already start with file: are used as given.
func sqliteDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path), nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &Error{Op: "ensure schema", Attempts: 1, Err: err}
		}
	}
	s.logger.Debug().Msg("Schema ensured")
	return nil
}

// Count returns the number of stored occurrences.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollbars`).Scan(&n); err != nil {
		return 0, &Error{Op: "count", Attempts: 1, Err: err}
	}
	return n, nil
}

// Reset deletes every stored occurrence and cursor.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "reset", Attempts: 1, Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM rollbars`, `DELETE FROM ingest_cursors`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &Error{Op: "reset", Attempts: 1, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "reset", Attempts: 1, Err: err}
	}

	s.logger.Warn().Msg("Stored occurrences and cursors deleted")
	return nil
}

// Driver returns the normalized driver name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
