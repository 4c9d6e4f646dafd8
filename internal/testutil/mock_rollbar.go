// Package testutil provides testing utilities for the Rollbar ingester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockResponse defines a canned response returned instead of a page.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockRollbar is a configurable in-process Rollbar API for testing.
// It serves item_by_counter lookups and paginated instance listings.
type MockRollbar struct {
	server *httptest.Server

	mu        sync.Mutex
	token     string
	counter   int64
	itemID    int64
	pageSize  int
	instances []json.RawMessage
	queued    []MockResponse // returned, in order, before real instance pages
	remaining int

	// Tracking
	requestCount  int
	lookupCount   int
	pagesServed   []int
	lastRequestHd http.Header
}

// NewMockRollbar creates a mock API that accepts token and knows one item.
func NewMockRollbar(token string, counter, itemID int64) *MockRollbar {
	m := &MockRollbar{
		token:     token,
		counter:   counter,
		itemID:    itemID,
		pageSize:  20,
		remaining: 5000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/1/item_by_counter/", m.handleItemByCounter)
	mux.HandleFunc("/api/1/item/", m.handleInstances)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount++
		m.lastRequestHd = r.Header.Clone()
		m.mu.Unlock()

		if r.Header.Get("X-Rollbar-Access-Token") != m.token {
			writeJSON(w, http.StatusUnauthorized, `{"err":1,"message":"invalid access token"}`)
			return
		}

		mux.ServeHTTP(w, r)
	}))

	return m
}

// URL returns the mock server URL.
func (m *MockRollbar) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRollbar) Close() {
	m.server.Close()
}

// SetPageSize changes the server page size (default 20).
func (m *MockRollbar) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetInstances replaces the occurrence list, most recent first.
func (m *MockRollbar) SetInstances(items []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = items
}

// AddInstances appends n well-formed generated occurrences and returns them.
// IDs continue from the current length so repeated calls never collide.
func (m *MockRollbar) AddInstances(n int) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := len(m.instances)
	added := make([]json.RawMessage, 0, n)
	for i := start; i < start+n; i++ {
		inst := Instance(int64(900000+i), 1700000000-int64(i))
		added = append(added, inst)
	}
	m.instances = append(m.instances, added...)
	return added
}

// Enqueue makes the next len(resps) instance requests return resps in order.
func (m *MockRollbar) Enqueue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, resps...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockRollbar) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LookupCount returns the number of item_by_counter requests.
func (m *MockRollbar) LookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupCount
}

// PagesServed returns the page numbers of successful instance responses.
func (m *MockRollbar) PagesServed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.pagesServed))
	copy(out, m.pagesServed)
	return out
}

// LastRequestHeader returns the headers of the last request.
func (m *MockRollbar) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHd
}

func (m *MockRollbar) handleItemByCounter(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.lookupCount++
	m.mu.Unlock()

	counter, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/1/item_by_counter/"), 10, 64)
	if err != nil || counter != m.counter {
		writeJSON(w, http.StatusNotFound, `{"err":1,"message":"Not found"}`)
		return
	}

	m.rateHeaders(w)
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"err":0,"result":{"id":%d,"counter":%d}}`, m.itemID, m.counter))
}

func (m *MockRollbar) handleInstances(w http.ResponseWriter, r *http.Request) {
	want := fmt.Sprintf("/api/1/item/%d/instances", m.itemID)
	if r.URL.Path != want {
		writeJSON(w, http.StatusNotFound, `{"err":1,"message":"Not found"}`)
		return
	}

	m.mu.Lock()
	if len(m.queued) > 0 {
		resp := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		writeJSON(w, resp.StatusCode, resp.Body)
		return
	}
	m.mu.Unlock()

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	m.mu.Lock()
	startIdx := (page - 1) * m.pageSize
	endIdx := startIdx + m.pageSize
	var items []json.RawMessage
	if startIdx < len(m.instances) {
		if endIdx > len(m.instances) {
			endIdx = len(m.instances)
		}
		items = m.instances[startIdx:endIdx]
	}
	m.pagesServed = append(m.pagesServed, page)
	m.mu.Unlock()

	if items == nil {
		items = []json.RawMessage{}
	}

	body, _ := json.Marshal(map[string]any{
		"err": 0,
		"result": map[string]any{
			"page":      page,
			"instances": items,
		},
	})

	m.rateHeaders(w)
	writeJSON(w, http.StatusOK, string(body))
}

func (m *MockRollbar) rateHeaders(w http.ResponseWriter) {
	m.mu.Lock()
	if m.remaining > 0 {
		m.remaining--
	}
	remaining := m.remaining
	m.mu.Unlock()

	w.Header().Set("X-Rate-Limit-Limit", "5000")
	w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-Rate-Limit-Remaining-Seconds", "60")
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}

// Instance builds a realistic Rollbar occurrence with the given id and
// unix timestamp.
func Instance(id, timestamp int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %d,
		"project_id": 4242,
		"timestamp": %d,
		"version": 2,
		"data": {
			"environment": "production",
			"level": "error",
			"platform": "python",
			"body": {
				"message": {
					"body": "upstream request failed",
					"extra": {
						"status_code": 502,
						"request_path": "/api/v1/orders",
						"error_message": "bad gateway"
					}
				}
			},
			"server": {"host": "web-%d"}
		}
	}`, id, timestamp, id%7))
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"err":1,"message":"rate limit exceeded"}`,
		Headers: map[string]string{
			"X-Rate-Limit-Limit":             "5000",
			"X-Rate-Limit-Remaining":         "0",
			"X-Rate-Limit-Remaining-Seconds": "0",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"err":1,"message":"internal server error"}`,
	}
}

// NewStatusResponse creates a response with the given status and error body.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"err":1,"message":"%s"}`, http.StatusText(status)),
	}
}
