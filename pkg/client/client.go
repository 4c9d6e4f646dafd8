// Package client provides the Rollbar API client used by the ingester:
// paced, retrying requests against the occurrence-listing endpoints with
// every failure classified as retryable or fatal.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/cache"
	"github.com/Sternrassler/rollbar-ingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Rollbar client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_requests_total",
		Help: "Total Rollbar API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollbar_request_duration_seconds",
		Help:    "Rollbar API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollbar_errors_total",
		Help: "Total Rollbar API errors by class",
	}, []string{"class"})
)

// Endpoint labels.
const (
	endpointItemByCounter = "item_by_counter"
	endpointInstances     = "instances"
)

// AccessTokenHeader carries the project access token.
const AccessTokenHeader = "X-Rollbar-Access-Token"

// Client is the Rollbar API client.
type Client struct {
	httpClient *http.Client
	pacer      *ratelimit.Tracker
	retry      *retrier
	items      *cache.ItemIDs // nil when Redis is not configured
	config     Config
	logger     zerolog.Logger

	mu      sync.Mutex
	itemIDs map[int64]int64 // counter → item ID
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Rollbar API.
	BaseURL string

	// AccessToken is a project access token with read scope (REQUIRED).
	AccessToken string

	// UserAgent header sent with every request.
	UserAgent string

	// ServerPageSize is the number of instances Rollbar returns per page.
	ServerPageSize int

	// Rate Limiting
	RateLimit  int           // Requests per RateWindow
	RateWindow time.Duration // Window the limit applies to

	// Timeout bounds a single HTTP call.
	Timeout time.Duration

	// Retry overrides the per-class retry defaults when MaxAttempts > 0.
	Retry RetryConfig

	// Redis caches counter → item ID resolutions across runs (optional).
	Redis        *redis.Client
	ItemCacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(accessToken string) Config {
	return Config{
		BaseURL:        "https://api.rollbar.com",
		AccessToken:    accessToken,
		UserAgent:      "rollbar-ingest/0.1.0",
		ServerPageSize: 20,
		RateLimit:      60,
		RateWindow:     time.Minute,
		Timeout:        30 * time.Second,
		ItemCacheTTL:   24 * time.Hour,
	}
}

// PageRequest asks for Limit occurrences starting Offset items from the most
// recent one.
type PageRequest struct {
	Counter int64
	Offset  int
	Limit   int
}

// Page is one batch of raw occurrences.
type Page struct {
	// Items are the raw occurrence objects, most recent first.
	Items []json.RawMessage

	// ItemID is the Rollbar item the counter resolved to.
	ItemID int64

	// ServerPage is the 1-based Rollbar page the items came from.
	ServerPage int
}

// New creates a new Rollbar client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, ErrMissingToken
	}

	def := DefaultConfig(cfg.AccessToken)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ServerPageSize <= 0 {
		cfg.ServerPageSize = def.ServerPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ItemCacheTTL <= 0 {
		cfg.ItemCacheTTL = def.ItemCacheTTL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	logger := log.With().Str("component", "rollbar-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		pacer: ratelimit.NewTracker(ratelimit.Config{
			Limit:  cfg.RateLimit,
			Window: cfg.RateWindow,
		}, logger),
		retry:   newRetrier(cfg.Retry, logger),
		config:  cfg,
		logger:  logger,
		itemIDs: make(map[int64]int64),
	}
	if cfg.Redis != nil {
		c.items = cache.NewManager(cfg.Redis).ItemIDs(cfg.AccessToken, cfg.ItemCacheTTL)
	}

	return c, nil
}

// ResolveItem returns the Rollbar item ID for a project counter.
// Results are memoized for the client's lifetime and cached in Redis if
// configured.
func (c *Client) ResolveItem(ctx context.Context, counter int64) (int64, error) {
	c.mu.Lock()
	id, ok := c.itemIDs[counter]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	if c.items != nil {
		id, err := c.items.Lookup(ctx, counter)
		if err == nil {
			c.RememberItem(counter, id)
			return id, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Int64("counter", counter).Msg("Item cache get error")
		}
	}

	var envelope struct {
		Err     int    `json:"err"`
		Message string `json:"message"`
		Result  struct {
			ID int64 `json:"id"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/api/1/item_by_counter/%d", counter)
	body, err := c.get(ctx, endpointItemByCounter, path, nil)
	if err != nil {
		if ClassOf(err) == ErrorClassMalformed {
			c.logger.Error().
				Int64("counter", counter).
				Msg("Could not find item for counter - counters are per project, check the token belongs to the right project")
		}
		return 0, err
	}

	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Err != 0 || envelope.Result.ID == 0 {
		msg := envelope.Message
		if err != nil {
			msg = err.Error()
		}
		return 0, &APIError{
			StatusCode: http.StatusOK,
			Class:      ErrorClassMalformed,
			Endpoint:   endpointItemByCounter,
			Message:    fmt.Sprintf("no item for counter %d: %s", counter, msg),
		}
	}

	id = envelope.Result.ID
	c.RememberItem(counter, id)

	if c.items != nil {
		if err := c.items.Store(ctx, counter, id); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache item id")
		}
	}

	c.logger.Debug().Int64("counter", counter).Int64("item_id", id).Msg("Resolved item")
	return id, nil
}

// RememberItem records a known item ID for counter so ResolveItem does not
// look it up again. Non-positive IDs are ignored.
func (c *Client) RememberItem(counter, id int64) {
	if id <= 0 {
		return
	}
	c.mu.Lock()
	c.itemIDs[counter] = id
	c.mu.Unlock()
}

// FetchPage returns up to req.Limit occurrences starting req.Offset items
// from the most recent one. An empty page means the source is exhausted.
//
// Rollbar pages have a fixed size, so the offset is mapped to the page that
// contains it; leading items before the offset are skipped and the result is
// truncated to the limit. A request that straddles two server pages returns
// only the part in the first one.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if req.Offset < 0 {
		return Page{}, fmt.Errorf("negative offset %d", req.Offset)
	}
	if req.Limit <= 0 {
		return Page{}, nil
	}

	itemID, err := c.ResolveItem(ctx, req.Counter)
	if err != nil {
		return Page{}, fmt.Errorf("resolve counter %d: %w", req.Counter, err)
	}

	size := c.config.ServerPageSize
	serverPage := req.Offset/size + 1
	skip := req.Offset % size

	query := url.Values{}
	query.Set("page", strconv.Itoa(serverPage))

	path := fmt.Sprintf("/api/1/item/%d/instances", itemID)
	body, err := c.get(ctx, endpointInstances, path, query)
	if err != nil {
		return Page{}, err
	}

	items, err := decodeInstances(body)
	if err != nil {
		return Page{}, err
	}

	if skip >= len(items) {
		items = nil
	} else {
		items = items[skip:]
	}
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}

	c.logger.Debug().
		Int64("item_id", itemID).
		Int("page", serverPage).
		Int("offset", req.Offset).
		Int("items", len(items)).
		Msg("Fetched page")

	return Page{
		Items:      items,
		ItemID:     itemID,
		ServerPage: serverPage,
	}, nil
}

// decodeInstances accepts Rollbar's envelope
// {"err":0,"result":{"instances":[...]}} or a bare JSON array.
func decodeInstances(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, malformedBody(err.Error())
		}
		return items, nil
	}

	var envelope struct {
		Err     int    `json:"err"`
		Message string `json:"message"`
		Result  struct {
			Instances []json.RawMessage `json:"instances"`
		} `json:"result"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, malformedBody(err.Error())
	}
	if envelope.Err != 0 {
		return nil, malformedBody(envelope.Message)
	}
	return envelope.Result.Instances, nil
}

func malformedBody(msg string) error {
	return &APIError{
		StatusCode: http.StatusOK,
		Class:      ErrorClassMalformed,
		Endpoint:   endpointInstances,
		Message:    "unexpected response body: " + msg,
	}
}

// get performs a paced, retried GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	fullURL := c.config.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body []byte
	err := c.retry.do(ctx, func() error {
		var err error
		body, err = c.attempt(ctx, endpoint, fullURL)
		return err
	})
	return body, err
}

// attempt performs a single paced request and classifies the outcome.
func (c *Client) attempt(ctx context.Context, endpoint, fullURL string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(AccessTokenHeader, c.config.AccessToken)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			Class:    ErrorClassNetwork,
			Endpoint: endpoint,
			Message:  "request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	if err := c.pacer.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Endpoint:   endpoint,
			Message:    "read body",
			Err:        err,
		}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	class := classifyStatus(resp.StatusCode)
	if class == "" {
		return body, nil
	}

	errorsTotal.WithLabelValues(string(class)).Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("Rollbar request error")

	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Endpoint:   endpoint,
		Message:    msg,
		retryAfter: resp.Header.Get("Retry-After"),
	}
}

// RateLimitState returns the last rate limit state reported by Rollbar.
func (c *Client) RateLimitState() ratelimit.State {
	return c.pacer.State()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
