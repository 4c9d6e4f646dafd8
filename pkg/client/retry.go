package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollbar_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the default retry configuration for an error class.
func RetryConfigForErrorClass(class ErrorClass) RetryConfig {
	switch class {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// Rollbar windows are a minute long; start slow.
		return RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       5,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// retrier runs a request with exponential backoff and jitter.
type retrier struct {
	policy func(ErrorClass) RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

func newRetrier(override RetryConfig, logger zerolog.Logger) *retrier {
	policy := RetryConfigForErrorClass
	if override.MaxAttempts > 0 {
		policy = func(ErrorClass) RetryConfig { return override }
	}
	return &retrier{
		policy: policy,
		sleep:  sleepContext,
		logger: logger,
	}
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

// do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget of the error's class is spent. Delays between attempts never
// shrink, even when the cap or jitter would otherwise make them.
func (r *retrier) do(ctx context.Context, fn func() error) error {
	var lastErr error
	var prev time.Duration

	attempt := 1
	for ; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := ClassOf(err)
		if !shouldRetry(class) {
			return err
		}

		cfg := r.policy(class)
		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt, err)
		if delay < prev {
			delay = prev
		}
		prev = delay

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		r.logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	class := ClassOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
	r.logger.Error().
		Err(lastErr).
		Str("error_class", string(class)).
		Int("attempts", attempt).
		Msg("Retry attempts exhausted")

	exhausted := &APIError{
		Class:   ErrorClassRetriesExhausted,
		Message: fmt.Sprintf("gave up after %d attempts", attempt),
		Err:     fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		exhausted.StatusCode = apiErr.StatusCode
		exhausted.Endpoint = apiErr.Endpoint
	}
	return exhausted
}

// backoffDelay returns the wait before the attempt after `attempt`:
// InitialBackoff * Multiplier^(attempt-1), capped at MaxBackoff, with ±20%
// jitter. A Retry-After hint wins if it is longer.
func backoffDelay(cfg RetryConfig, attempt int, err error) time.Duration {
	base := float64(cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		base *= cfg.BackoffMultiplier
	}
	if cfg.MaxBackoff > 0 && base > float64(cfg.MaxBackoff) {
		base = float64(cfg.MaxBackoff)
	}

	delay := time.Duration(base * (0.8 + rand.Float64()*0.4))

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.retryAfter != "" {
		if secs, convErr := strconv.Atoi(apiErr.retryAfter); convErr == nil && secs > 0 {
			if hint := time.Duration(secs) * time.Second; hint > delay {
				delay = hint
			}
		}
	}

	return delay
}
