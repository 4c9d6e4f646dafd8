package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/normalize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for storage writes.
var (
	rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_storage_rows_total",
		Help: "Rows offered to the database by outcome (inserted or duplicate)",
	}, []string{"outcome"})

	txRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollbar_storage_tx_retries_total",
		Help: "Total number of retried page transactions",
	})

	txDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollbar_storage_tx_duration_seconds",
		Help:    "Duration of page transactions in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Error is a storage operation that failed after Attempts tries.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("storage %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const insertRow = `INSERT INTO rollbars
	(id, project_id, counter, "timestamp", level, title, environment, request_path, status_code, payload, ingested_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`

// Upsert stores a page of rows in one transaction. Rows whose ID is already
// stored are left untouched. It returns how many rows were newly inserted.
//
// A failed transaction is rolled back and retried up to TxAttempts times;
// after that a *Error is returned and nothing of the page is stored.
func (s *Store) Upsert(ctx context.Context, rows []normalize.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var lastErr error
	backoff := s.cfg.TxBackoff
	attempt := 1
	for ; ; attempt++ {
		inserted, err := s.upsertTx(ctx, rows)
		if err == nil {
			rowsWrittenTotal.WithLabelValues("inserted").Add(float64(inserted))
			rowsWrittenTotal.WithLabelValues("duplicate").Add(float64(len(rows) - inserted))
			return inserted, nil
		}
		lastErr = err

		if attempt >= s.cfg.TxAttempts {
			break
		}

		txRetriesTotal.Inc()
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("rows", len(rows)).
			Dur("backoff", backoff).
			Msg("Page transaction failed, retrying")

		if err := s.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
	}

	s.logger.Error().
		Err(lastErr).
		Int("attempts", attempt).
		Int("rows", len(rows)).
		Msg("Page transaction failed")
	return 0, &Error{Op: "upsert", Attempts: attempt, Err: lastErr}
}

func (s *Store) upsertTx(ctx context.Context, rows []normalize.Row) (int, error) {
	start := time.Now()
	defer func() {
		txDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(insertRow))
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	ingestedAt := s.now().UnixMilli()
	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.ID, r.ProjectID, r.Counter, r.Timestamp.Unix(),
			r.Level, r.Title, r.Environment, r.RequestPath, r.StatusCode,
			string(r.Payload), ingestedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}
