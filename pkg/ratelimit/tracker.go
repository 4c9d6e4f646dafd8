package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollbar_rate_limit_remaining",
		Help: "Calls remaining in the current Rollbar rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_rate_limit_waits_total",
		Help: "Total number of requests delayed by the pacer by reason",
	}, []string{"reason"})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollbar_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for the pacer",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60},
	})
)

// Config holds the pacing budget.
type Config struct {
	// Limit is the maximum number of requests issued per Window.
	Limit int

	// Window is the sliding window the limit applies to.
	Window time.Duration
}

// DefaultConfig returns a budget well under Rollbar's per-token limit.
func DefaultConfig() Config {
	return Config{
		Limit:  60,
		Window: time.Minute,
	}
}

// Tracker gates requests so that no more than Limit are sent per Window and
// none are sent while the server reports an exhausted window.
// A Tracker is owned by a single client; it is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	sent   []time.Time // send times inside the current window, oldest first
	state  State
	now    func() time.Time
	logger zerolog.Logger
}

// NewTracker creates a new pacer. Non-positive values fall back to defaults.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Tracker{
		cfg:    cfg,
		sent:   make([]time.Time, 0, cfg.Limit),
		now:    time.Now,
		logger: logger,
	}
}

// Wait blocks until a request may be sent, then reserves a slot for it.
// It returns the context error if ctx ends first; no slot is reserved then.
func (t *Tracker) Wait(ctx context.Context) error {
	start := t.now()
	waited := false

	for {
		delay, reason := t.reserve()
		if delay == 0 {
			if waited {
				rateLimitWaitSeconds.Observe(t.now().Sub(start).Seconds())
			}
			return nil
		}

		waited = true
		rateLimitWaitsTotal.WithLabelValues(reason).Inc()
		t.logger.Debug().
			Str("reason", reason).
			Dur("delay", delay).
			Msg("Pacing request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a slot and returns 0, or returns how long to wait and why.
func (t *Tracker) reserve() (time.Duration, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if t.state.Exhausted(now) {
		return t.state.TimeUntilReset(now), "server_exhausted"
	}

	cutoff := now.Add(-t.cfg.Window)
	drop := 0
	for drop < len(t.sent) && !t.sent[drop].After(cutoff) {
		drop++
	}
	t.sent = t.sent[drop:]

	if len(t.sent) >= t.cfg.Limit {
		delay := t.sent[0].Add(t.cfg.Window).Sub(now)
		if delay <= 0 {
			delay = time.Millisecond
		}
		return delay, "window_full"
	}

	t.sent = append(t.sent, now)
	if t.state.Known() && t.state.Remaining > 0 {
		t.state.Remaining--
	}
	return 0, ""
}

// UpdateFromHeaders refreshes the advertised state from a response.
// Responses without rate limit headers are ignored.
func (t *Tracker) UpdateFromHeaders(headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	limit := 0
	if v := headers.Get(HeaderLimit); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	now := t.now()
	resetAt := now
	if v := headers.Get(HeaderRemainingSeconds); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemainingSeconds, err)
		}
		resetAt = now.Add(time.Duration(secs) * time.Second)
	} else if v := headers.Get(HeaderReset); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		resetAt = time.Unix(epoch, 0)
	}

	t.mu.Lock()
	t.state = State{
		Limit:      limit,
		Remaining:  remain,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	t.mu.Unlock()

	rateLimitRemaining.Set(float64(remain))

	if remain <= 0 {
		t.logger.Warn().
			Int("limit", limit).
			Time("reset_at", resetAt).
			Msg("Rollbar rate limit window exhausted - pausing requests until reset")
	} else {
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Msg("Rollbar rate limit state updated")
	}

	return nil
}

// State returns a copy of the last advertised state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
