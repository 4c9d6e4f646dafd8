// Package normalize maps raw Rollbar occurrence objects onto the fixed row
// shape stored by the ingester.
//
// Occurrence payloads differ between reporting platforms (python, browser,
// mobile, ...). Only the identifier and the timestamp are required; every
// other known field is extracted when present with the expected type and
// ignored otherwise. The full raw object is always kept in Row.Payload, so
// fields the normalizer does not know about are never lost.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rollbar_normalize_dropped_total",
	Help: "Total occurrences dropped during normalization by reason",
}, []string{"reason"})

// Drop reasons.
const (
	ReasonInvalidJSON      = "invalid_json"
	ReasonMissingID        = "missing_id"
	ReasonMissingTimestamp = "missing_timestamp"
	ReasonDuplicate        = "duplicate_in_page"
	ReasonInvalidPayload   = "invalid_payload"
)

// Row is the persisted projection of one occurrence.
type Row struct {
	ID          string
	ProjectID   int64
	Counter     int64
	Timestamp   time.Time
	Level       string
	Title       string
	Environment string
	RequestPath string
	StatusCode  string

	// Payload is the raw occurrence exactly as received.
	Payload json.RawMessage
}

// DropError reports why an occurrence could not be normalized.
type DropError struct {
	Reason string
	Detail string
}

func (e *DropError) Error() string {
	if e.Detail == "" {
		return "occurrence dropped: " + e.Reason
	}
	return fmt.Sprintf("occurrence dropped: %s: %s", e.Reason, e.Detail)
}

// Normalizer converts raw occurrences into rows.
type Normalizer struct {
	// counter fills Row.Counter when the payload does not carry one.
	counter int64
	logger  zerolog.Logger
}

// New returns a Normalizer for occurrences of the given project counter.
func New(counter int64, logger zerolog.Logger) *Normalizer {
	return &Normalizer{counter: counter, logger: logger}
}

// Normalize maps one raw occurrence to a Row, or returns a *DropError.
func (n *Normalizer) Normalize(raw json.RawMessage) (Row, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		detail := "not a JSON object"
		if err != nil {
			detail = err.Error()
		}
		return Row{}, &DropError{Reason: ReasonInvalidJSON, Detail: detail}
	}

	id, ok := identifier(obj["id"])
	if !ok {
		return Row{}, &DropError{Reason: ReasonMissingID}
	}

	ts, ok := timestamp(obj["timestamp"])
	if !ok {
		return Row{}, &DropError{Reason: ReasonMissingTimestamp, Detail: "id " + id}
	}

	if problem := unstorable(raw); problem != "" {
		return Row{}, &DropError{Reason: ReasonInvalidPayload, Detail: "id " + id + ": " + problem}
	}

	data, _ := obj["data"].(map[string]any)

	row := Row{
		ID:          id,
		Counter:     n.counter,
		Timestamp:   ts,
		Level:       str(data, "level"),
		Environment: str(data, "environment"),
		Title:       title(data),
		Payload:     append(json.RawMessage(nil), raw...),
	}
	if v, ok := integer(obj["project_id"]); ok {
		row.ProjectID = v
	}
	if v, ok := integer(obj["counter"]); ok && v > 0 {
		row.Counter = v
	}

	extra := dig(data, "body", "message", "extra")
	row.StatusCode = scalar(extra["status_code"])
	row.RequestPath = str(extra, "request_path")
	if row.RequestPath == "" {
		row.RequestPath = requestPath(dig(data, "request"))
	}

	return row, nil
}

// NormalizePage normalizes a page of occurrences, logging and counting every
// drop. Rows whose ID already appeared earlier in the page are dropped too.
func (n *Normalizer) NormalizePage(items []json.RawMessage) ([]Row, int) {
	rows := make([]Row, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	dropped := 0

	for i, raw := range items {
		row, err := n.Normalize(raw)
		if err == nil {
			if _, dup := seen[row.ID]; dup {
				err = &DropError{Reason: ReasonDuplicate, Detail: "id " + row.ID}
			}
		}
		if err != nil {
			dropped++
			reason := "unknown"
			if de, ok := err.(*DropError); ok {
				reason = de.Reason
			}
			droppedTotal.WithLabelValues(reason).Inc()
			n.logger.Warn().
				Err(err).
				Int("index", i).
				Str("reason", reason).
				Msg("Dropped occurrence")
			continue
		}

		seen[row.ID] = struct{}{}
		rows = append(rows, row)
	}

	return rows, dropped
}

func identifier(v any) (string, bool) {
	switch id := v.(type) {
	case json.Number:
		s := id.String()
		return s, s != "" && s != "0"
	case string:
		s := strings.TrimSpace(id)
		return s, s != ""
	default:
		return "", false
	}
}

// maxUnixSeconds is 10000-01-01T00:00:00Z, the first instant RFC 3339
// cannot represent.
const maxUnixSeconds = 253402300800

// timestamp accepts unix seconds as a number or numeric string, or an
// RFC 3339 string. Non-positive, non-finite and out-of-range values count
// as missing.
func timestamp(v any) (time.Time, bool) {
	var s string
	switch ts := v.(type) {
	case json.Number:
		s = ts.String()
	case string:
		s = strings.TrimSpace(ts)
	default:
		return time.Time{}, false
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || secs <= 0 || secs >= maxUnixSeconds {
			return time.Time{}, false
		}
		return time.Unix(int64(secs), 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		if t.Unix() <= 0 {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// title follows Rollbar's own precedence: explicit title, message body,
// then the exception of a trace or the last trace of a chain.
func title(data map[string]any) string {
	if t := str(data, "title"); t != "" {
		return t
	}
	body := dig(data, "body")
	if msg := str(dig(body, "message"), "body"); msg != "" {
		return msg
	}

	trace := dig(body, "trace")
	if chain, ok := body["trace_chain"].([]any); ok && len(chain) > 0 {
		trace, _ = chain[0].(map[string]any)
	}
	exc := dig(trace, "exception")
	class, msg := str(exc, "class"), str(exc, "message")
	switch {
	case class != "" && msg != "":
		return class + ": " + msg
	case msg != "":
		return msg
	default:
		return class
	}
}

func requestPath(req map[string]any) string {
	raw := str(req, "url")
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// scalar renders a number or string field as text.
func scalar(v any) string {
	switch s := v.(type) {
	case json.Number:
		return s.String()
	case string:
		return s
	default:
		return ""
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// dig walks nested objects, returning nil as soon as a level is missing or
// has another type. Indexing a nil map is safe, so callers need no checks.
func dig(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		next, ok := m[k].(map[string]any)
		if !ok {
			return nil
		}
		m = next
	}
	return m
}

// unstorable reports why raw cannot be kept as a JSON document, or "" if it
// can. JSON text must be UTF-8, and \u escapes must not encode NUL or an
// unpaired surrogate. raw must already be valid JSON.
func unstorable(raw []byte) string {
	if !utf8.Valid(raw) {
		return "invalid UTF-8"
	}

	pendingHigh := false
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			if pendingHigh {
				return "unpaired surrogate escape"
			}
			continue
		}
		i++
		if i >= len(raw) || raw[i] != 'u' {
			if pendingHigh {
				return "unpaired surrogate escape"
			}
			continue
		}
		if i+4 >= len(raw) {
			return "truncated unicode escape"
		}
		r, err := strconv.ParseUint(string(raw[i+1:i+5]), 16, 16)
		if err != nil {
			return "invalid unicode escape"
		}
		i += 4

		switch {
		case r == 0:
			return "NUL escape"
		case pendingHigh && r >= 0xDC00 && r < 0xE000:
			pendingHigh = false
		case pendingHigh:
			return "unpaired surrogate escape"
		case r >= 0xD800 && r < 0xDC00:
			pendingHigh = true
		case r >= 0xDC00 && r < 0xE000:
			return "unpaired surrogate escape"
		}
	}
	if pendingHigh {
		return "unpaired surrogate escape"
	}
	return ""
}
