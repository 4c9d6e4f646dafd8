package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/client"
	"github.com/Sternrassler/rollbar-ingest/pkg/cursor"
	"github.com/Sternrassler/rollbar-ingest/pkg/logging"
	"github.com/Sternrassler/rollbar-ingest/pkg/normalize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for ingestion runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_ingest_runs_total",
		Help: "Total ingestion runs by terminal state",
	}, []string{"state"})

	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollbar_ingest_pages_total",
		Help: "Total pages fetched and stored",
	})

	rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_ingest_rows_total",
		Help: "Total occurrences by outcome (processed, inserted, dropped)",
	}, []string{"outcome"})

	cursorOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollbar_ingest_cursor_offset",
		Help: "Offset of the cursor of the current run",
	})
)

// ErrCancelled is returned by Run when ctx was cancelled between pages.
var ErrCancelled = errors.New("ingest cancelled")

// State is a run state.
type State string

const (
	StateInit      State = "init"
	StateFetching  State = "fetching"
	StateWriting   State = "writing"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Fetcher returns pages of raw occurrences. *client.Client implements it.
type Fetcher interface {
	FetchPage(ctx context.Context, req client.PageRequest) (client.Page, error)
}

// Writer stores a page of rows atomically and returns how many were new.
// *storage.Store implements it.
type Writer interface {
	Upsert(ctx context.Context, rows []normalize.Row) (int, error)
}

// itemRememberer is implemented by fetchers that can skip the item lookup
// for an already known item ID. *client.Client implements it.
type itemRememberer interface {
	RememberItem(counter, itemID int64)
}

// Config holds the run parameters.
type Config struct {
	// ProjectCounter identifies the Rollbar item to ingest.
	ProjectCounter int64

	// Target is the number of records to store.
	Target int

	// PageSize is the maximum number of records requested per page.
	PageSize int

	// Fresh discards a stored cursor and starts from the most recent
	// occurrence.
	Fresh bool
}

// DefaultPageSize matches Rollbar's instance page size.
const DefaultPageSize = 20

// Result summarizes a run.
type Result struct {
	RunID string
	State State

	// Fetched is the number of rows stored for the cursor, duplicates of
	// earlier runs included.
	Fetched int

	// Inserted is the number of rows that were new to the database.
	Inserted int

	// Dropped is the number of raw items the normalizer rejected.
	Dropped int

	Pages  int
	Offset int

	// Exhausted is set when the source ran out before the target.
	Exhausted bool

	// Resumed is set when the run continued from a stored cursor.
	Resumed bool

	Cursor   cursor.Cursor
	Duration time.Duration
}

// RunError is the fatal error of a failed run with its partial progress.
type RunError struct {
	// Fetched is the number of records stored for the cursor.
	Fetched int

	// Offset is where a new run resumes.
	Offset int

	Err error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("ingest failed after storing %d records (resume at offset %d): %v",
		e.Fetched, e.Offset, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Orchestrator runs the fetch → normalize → write loop for one project
// counter.
type Orchestrator struct {
	fetcher    Fetcher
	writer     Writer
	cursors    cursor.Store
	normalizer *normalize.Normalizer
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates an Orchestrator. A non-positive PageSize falls back to
// DefaultPageSize.
func New(fetcher Fetcher, writer Writer, cursors cursor.Store, cfg Config) (*Orchestrator, error) {
	if fetcher == nil || writer == nil || cursors == nil {
		return nil, errors.New("fetcher, writer and cursor store are required")
	}
	if cfg.ProjectCounter <= 0 {
		return nil, fmt.Errorf("invalid project counter %d", cfg.ProjectCounter)
	}
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("invalid target %d", cfg.Target)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	logger := logging.NewLogger("pagination").With().
		Int64("counter", cfg.ProjectCounter).
		Logger()

	return &Orchestrator{
		fetcher:    fetcher,
		writer:     writer,
		cursors:    cursors,
		normalizer: normalize.New(cfg.ProjectCounter, logger),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Run ingests up to Target records.
//
// It returns ErrCancelled if ctx is cancelled, and a *RunError if a fatal
// error stops the run. The Result is filled in every case. The cursor is
// saved after every stored page and deleted once the run is done.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	start := o.now()
	res := Result{RunID: uuid.NewString(), State: StateInit}
	logger := o.logger.With().Str("run_id", res.RunID).Logger()

	// Fetches and writes finish even if ctx is cancelled midway.
	work := context.WithoutCancel(ctx)

	finish := func(state State, cur cursor.Cursor, err error) (Result, error) {
		res.State = state
		res.Fetched = cur.Fetched
		res.Offset = cur.Offset
		res.Cursor = cur
		res.Duration = o.now().Sub(start)
		runsTotal.WithLabelValues(string(state)).Inc()
		return res, err
	}

	cur, err := o.initCursor(work, &res, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load cursor")
		return finish(StateFailed, cur, &RunError{Err: err})
	}

	logger.Info().
		Int("target", cur.Target).
		Int("offset", cur.Offset).
		Int("fetched", cur.Fetched).
		Int("page_size", o.cfg.PageSize).
		Bool("resumed", res.Resumed).
		Msg("Starting ingest run")

	for !cur.Done() {
		if ctx.Err() != nil {
			logger.Warn().
				Int("fetched", cur.Fetched).
				Int("offset", cur.Offset).
				Msg("Ingest run cancelled at page boundary")
			return finish(StateCancelled, cur, ErrCancelled)
		}

		res.State = StateFetching
		req := client.PageRequest{
			Counter: o.cfg.ProjectCounter,
			Offset:  cur.Offset,
			Limit:   cur.NextLimit(o.cfg.PageSize),
		}
		page, err := o.fetcher.FetchPage(work, req)
		if err != nil {
			// At offset 0 a rejected page means a bad request. Further in
			// it means the offset is beyond the end of the data.
			if cur.Offset > 0 && client.IsPastEnd(err) {
				logger.Info().Err(err).Int("offset", cur.Offset).Msg("Source rejected offset, treating as exhausted")
				res.Exhausted = true
				break
			}
			return o.fail(finish, cur, err, logger)
		}

		if len(page.Items) == 0 {
			res.Exhausted = true
			break
		}

		res.State = StateWriting
		rows, dropped := o.normalizer.NormalizePage(page.Items)
		inserted, err := o.writer.Upsert(work, rows)
		if err != nil {
			return o.fail(finish, cur, err, logger)
		}

		next, err := cur.Advance(len(page.Items), len(rows), o.now())
		if err != nil {
			return o.fail(finish, cur, err, logger)
		}
		if page.ItemID != 0 {
			next.ItemID = page.ItemID
		}
		if err := o.cursors.Save(work, next); err != nil {
			// The page is stored; a rerun re-fetches it harmlessly.
			return o.fail(finish, cur, fmt.Errorf("save cursor: %w", err), logger)
		}
		cur = next

		res.Pages++
		res.Inserted += inserted
		res.Dropped += dropped
		pagesTotal.Inc()
		rowsTotal.WithLabelValues("processed").Add(float64(len(rows)))
		rowsTotal.WithLabelValues("inserted").Add(float64(inserted))
		rowsTotal.WithLabelValues("dropped").Add(float64(dropped))
		cursorOffset.Set(float64(cur.Offset))

		logger.Debug().
			Int("offset", req.Offset).
			Int("requested", req.Limit).
			Int("received", len(page.Items)).
			Int("rows", len(rows)).
			Int("inserted", inserted).
			Int("dropped", dropped).
			Int("fetched", cur.Fetched).
			Msg("Page stored")
	}

	if err := o.cursors.Delete(work, o.cfg.ProjectCounter); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete finished cursor")
	}

	logger.Info().
		Int("fetched", cur.Fetched).
		Int("inserted", res.Inserted).
		Int("dropped", res.Dropped).
		Int("pages", res.Pages).
		Bool("exhausted", res.Exhausted).
		Dur("duration", o.now().Sub(start)).
		Msg("Ingest run done")

	return finish(StateDone, cur, nil)
}

// initCursor loads the stored cursor for the counter, or starts a new one.
func (o *Orchestrator) initCursor(ctx context.Context, res *Result, logger zerolog.Logger) (cursor.Cursor, error) {
	fresh := cursor.New(o.cfg.ProjectCounter, o.cfg.Target)

	if o.cfg.Fresh {
		if err := o.cursors.Delete(ctx, o.cfg.ProjectCounter); err != nil {
			return fresh, fmt.Errorf("delete cursor: %w", err)
		}
		return fresh, nil
	}

	stored, ok, err := o.cursors.Load(ctx, o.cfg.ProjectCounter)
	if err != nil {
		return fresh, fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return fresh, nil
	}

	if stored.Target != o.cfg.Target {
		logger.Info().
			Int("stored_target", stored.Target).
			Int("target", o.cfg.Target).
			Msg("Resuming with new target")
	}
	stored.ProjectCounter = o.cfg.ProjectCounter
	stored.Target = o.cfg.Target
	res.Resumed = true

	if r, ok := o.fetcher.(itemRememberer); ok && stored.ItemID > 0 {
		r.RememberItem(o.cfg.ProjectCounter, stored.ItemID)
	}
	return stored, nil
}

func (o *Orchestrator) fail(
	finish func(State, cursor.Cursor, error) (Result, error),
	cur cursor.Cursor,
	err error,
	logger zerolog.Logger,
) (Result, error) {
	logger.Error().
		Err(err).
		Str("error_class", string(client.ClassOf(err))).
		Int("fetched", cur.Fetched).
		Int("offset", cur.Offset).
		Msg("Ingest run failed")
	return finish(StateFailed, cur, &RunError{Fetched: cur.Fetched, Offset: cur.Offset, Err: err})
}
