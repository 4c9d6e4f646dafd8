// Package metrics exposes the Prometheus metrics of the ingester.
// All metrics are defined in their respective packages (client, ratelimit,
// cache, storage, pagination, normalize) and registered through promauto.
//
// This package provides the registry, an HTTP endpoint and documentation
// for all available metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the ingester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics and /healthz while a run is active.
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     chan error
}

// Serve starts a metrics server on addr (":9090", "127.0.0.1:0", ...).
func Serve(addr string) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		listener: ln,
		done:     make(chan error, 1),
	}

	logger := logging.NewLogger("metrics")
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
		s.done <- err
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - rollbar_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - rollbar_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - rollbar_errors_total{class} (Counter): Errors by class (rate_limit, server, network, unauthorized, malformed)
//
// Retry Metrics (pkg/client):
//   - rollbar_retries_total{error_class} (Counter): Retry attempts by error class
//   - rollbar_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - rollbar_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - rollbar_rate_limit_remaining (Gauge): Calls left in the window advertised by Rollbar
//   - rollbar_rate_limit_waits_total{reason} (Counter): Requests delayed (window_full, server_exhausted)
//   - rollbar_rate_limit_wait_seconds (Histogram): Time spent waiting for the pacer
//
// Cache Metrics (pkg/cache):
//   - rollbar_cache_hits_total (Counter): Item ID cache hits
//   - rollbar_cache_misses_total (Counter): Item ID cache misses
//   - rollbar_cache_errors_total{operation} (Counter): Cache operation errors
//
// Normalizer Metrics (pkg/normalize):
//   - rollbar_normalize_dropped_total{reason} (Counter): Dropped occurrences by reason
//
// Storage Metrics (pkg/storage):
//   - rollbar_storage_rows_total{outcome} (Counter): Rows inserted or skipped as duplicates
//   - rollbar_storage_tx_retries_total (Counter): Retried page transactions
//   - rollbar_storage_tx_duration_seconds (Histogram): Page transaction duration
//
// Run Metrics (pkg/pagination):
//   - rollbar_ingest_runs_total{state} (Counter): Runs by terminal state
//   - rollbar_ingest_pages_total (Counter): Pages stored
//   - rollbar_ingest_rows_total{outcome} (Counter): Rows processed, inserted, dropped
//   - rollbar_ingest_cursor_offset (Gauge): Cursor offset of the current run
//
// Example Prometheus Queries:
//
//   # Duplicate ratio (re-ingested pages)
//   rate(rollbar_storage_rows_total{outcome="duplicate"}[5m]) /
//   rate(rollbar_storage_rows_total[5m])
//
//   # Throttling
//   rate(rollbar_rate_limit_waits_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(rollbar_request_duration_seconds_bucket[5m]))
