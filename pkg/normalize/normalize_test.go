package normalize

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/rollbar-ingest/internal/testutil"
	"github.com/rs/zerolog"
)

func newTestNormalizer() *Normalizer {
	return New(77, zerolog.New(os.Stderr).Level(zerolog.Disabled))
}

func TestNormalize_FullOccurrence(t *testing.T) {
	n := newTestNormalizer()
	raw := testutil.Instance(900001, 1700000000)

	row, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if row.ID != "900001" {
		t.Errorf("ID = %q, want 900001", row.ID)
	}
	if row.ProjectID != 4242 {
		t.Errorf("ProjectID = %d, want 4242", row.ProjectID)
	}
	if row.Counter != 77 {
		t.Errorf("Counter = %d, want run counter 77", row.Counter)
	}
	if !row.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Timestamp = %v, want 1700000000", row.Timestamp)
	}
	if row.Level != "error" {
		t.Errorf("Level = %q, want error", row.Level)
	}
	if row.Environment != "production" {
		t.Errorf("Environment = %q, want production", row.Environment)
	}
	if row.Title != "upstream request failed" {
		t.Errorf("Title = %q", row.Title)
	}
	if row.StatusCode != "502" {
		t.Errorf("StatusCode = %q, want 502", row.StatusCode)
	}
	if row.RequestPath != "/api/v1/orders" {
		t.Errorf("RequestPath = %q, want /api/v1/orders", row.RequestPath)
	}
	if string(row.Payload) != string(raw) {
		t.Error("Payload must be the raw occurrence verbatim")
	}
}

func TestNormalize_RequiredFields(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReason string
	}{
		{"missing id", `{"timestamp": 1700000000}`, ReasonMissingID},
		{"null id", `{"id": null, "timestamp": 1700000000}`, ReasonMissingID},
		{"zero id", `{"id": 0, "timestamp": 1700000000}`, ReasonMissingID},
		{"empty string id", `{"id": "  ", "timestamp": 1700000000}`, ReasonMissingID},
		{"missing timestamp", `{"id": 1}`, ReasonMissingTimestamp},
		{"zero timestamp", `{"id": 1, "timestamp": 0}`, ReasonMissingTimestamp},
		{"garbage timestamp", `{"id": 1, "timestamp": "yesterday"}`, ReasonMissingTimestamp},
		{"not an object", `[1, 2]`, ReasonInvalidJSON},
		{"invalid json", `{"id": `, ReasonInvalidJSON},
		{"json null", `null`, ReasonInvalidJSON},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(json.RawMessage(tt.raw))

			var drop *DropError
			if !errors.As(err, &drop) {
				t.Fatalf("Normalize() error = %v, want *DropError", err)
			}
			if drop.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", drop.Reason, tt.wantReason)
			}
		})
	}
}

func TestNormalize_TimestampFormats(t *testing.T) {
	want := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		ts   string
	}{
		{"integer", `1700000000`},
		{"float", `1700000000.25`},
		{"numeric string", `"1700000000"`},
		{"rfc3339", `"2023-11-14T22:13:20Z"`},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := n.Normalize(json.RawMessage(`{"id": 5, "timestamp": ` + tt.ts + `}`))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !row.Timestamp.Equal(want) {
				t.Errorf("Timestamp = %v, want %v", row.Timestamp, want)
			}
		})
	}

	// Values that parse but cannot be a real occurrence time.
	for _, ts := range []string{`"NaN"`, `"Inf"`, `"-Inf"`, `"Infinity"`, `1e300`, `"1e300"`, `-5`, `253402300800`, `"1969-12-31T23:59:59Z"`} {
		t.Run("rejects "+ts, func(t *testing.T) {
			_, err := n.Normalize(json.RawMessage(`{"id": 5, "timestamp": ` + ts + `}`))

			var drop *DropError
			if !errors.As(err, &drop) || drop.Reason != ReasonMissingTimestamp {
				t.Errorf("Normalize() error = %v, want %s drop", err, ReasonMissingTimestamp)
			}
		})
	}
}

func TestNormalize_UnstorablePayload(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantDrop bool
	}{
		{"NUL escape in value", `{"id": 1, "timestamp": 1700000000, "data": {"x": "a\u0000b"}}`, true},
		{"NUL escape in key", `{"id": 1, "timestamp": 1700000000, "a\u0000": 1}`, true},
		{"invalid UTF-8", "{\"id\": 1, \"timestamp\": 1700000000, \"x\": \"\xff\"}", true},
		{"lone high surrogate", `{"id": 1, "timestamp": 1700000000, "x": "\ud83d"}`, true},
		{"high surrogate then other escape", `{"id": 1, "timestamp": 1700000000, "x": "\ud83d\n"}`, true},
		{"lone low surrogate", `{"id": 1, "timestamp": 1700000000, "x": "\ude00"}`, true},
		{"surrogate pair", `{"id": 1, "timestamp": 1700000000, "x": "\ud83d\ude00"}`, false},
		{"escaped backslash before u0000", `{"id": 1, "timestamp": 1700000000, "x": "C:\\u0000"}`, false},
		{"plain unicode", `{"id": 1, "timestamp": 1700000000, "x": "caf\u00e9 é"}`, false},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := n.Normalize(json.RawMessage(tt.raw))

			if !tt.wantDrop {
				if err != nil {
					t.Fatalf("Normalize() error = %v", err)
				}
				if string(row.Payload) != tt.raw {
					t.Errorf("Payload = %s, want it verbatim", row.Payload)
				}
				return
			}

			var drop *DropError
			if !errors.As(err, &drop) {
				t.Fatalf("Normalize() error = %v, want *DropError", err)
			}
			if drop.Reason != ReasonInvalidPayload {
				t.Errorf("Reason = %q, want %q", drop.Reason, ReasonInvalidPayload)
			}
		})
	}
}

func TestNormalize_StringIdentifier(t *testing.T) {
	n := newTestNormalizer()

	row, err := n.Normalize(json.RawMessage(`{"id": "a1b2c3", "timestamp": 1700000000}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if row.ID != "a1b2c3" {
		t.Errorf("ID = %q, want a1b2c3", row.ID)
	}
}

func TestNormalize_LargeIdentifierKeepsPrecision(t *testing.T) {
	n := newTestNormalizer()

	row, err := n.Normalize(json.RawMessage(`{"id": 9007199254740993, "timestamp": 1700000000}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if row.ID != "9007199254740993" {
		t.Errorf("ID = %q, want 9007199254740993", row.ID)
	}
}

func TestNormalize_Title(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"explicit title", `{"title": "Boom", "body": {"message": {"body": "ignored"}}}`, "Boom"},
		{"message body", `{"body": {"message": {"body": "hello"}}}`, "hello"},
		{"trace exception", `{"body": {"trace": {"exception": {"class": "KeyError", "message": "'user'"}}}}`, "KeyError: 'user'"},
		{"trace chain", `{"body": {"trace_chain": [{"exception": {"class": "ValueError", "message": "bad"}}, {"exception": {"class": "Other"}}]}}`, "ValueError: bad"},
		{"class only", `{"body": {"trace": {"exception": {"class": "Panic"}}}}`, "Panic"},
		{"nothing", `{"body": {}}`, ""},
		{"wrong type", `{"title": 42}`, ""},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := json.RawMessage(`{"id": 1, "timestamp": 1700000000, "data": ` + tt.data + `}`)
			row, err := n.Normalize(raw)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if row.Title != tt.want {
				t.Errorf("Title = %q, want %q", row.Title, tt.want)
			}
		})
	}
}

func TestNormalize_RequestPathFallback(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`{
		"id": 1,
		"timestamp": 1700000000,
		"counter": 12,
		"data": {"request": {"url": "https://shop.example.com/checkout?step=2"}}
	}`)

	row, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if row.RequestPath != "/checkout" {
		t.Errorf("RequestPath = %q, want /checkout", row.RequestPath)
	}
	if row.Counter != 12 {
		t.Errorf("Counter = %d, want payload counter 12", row.Counter)
	}
}

func TestNormalize_SchemaDriftIgnored(t *testing.T) {
	n := newTestNormalizer()
	raw := json.RawMessage(`{
		"id": 1,
		"timestamp": 1700000000,
		"project_id": "not-a-number",
		"brand_new_field": {"nested": true},
		"data": {"level": ["warning"], "environment": 3}
	}`)

	row, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if row.ProjectID != 0 || row.Level != "" || row.Environment != "" {
		t.Errorf("wrong-typed fields should be left empty, got %+v", row)
	}
	if string(row.Payload) != string(raw) {
		t.Error("unknown fields must survive in the payload")
	}
}

func TestNormalizePage(t *testing.T) {
	n := newTestNormalizer()

	items := []json.RawMessage{
		testutil.Instance(1, 1700000003),
		json.RawMessage(`{"timestamp": 1700000002}`),
		testutil.Instance(2, 1700000001),
		testutil.Instance(1, 1700000003),
	}

	rows, dropped := n.NormalizePage(items)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2 (missing id + duplicate)", dropped)
	}
	if rows[0].ID != "1" || rows[1].ID != "2" {
		t.Errorf("rows out of order: %q, %q", rows[0].ID, rows[1].ID)
	}
}

func TestDropError(t *testing.T) {
	err := &DropError{Reason: ReasonMissingTimestamp, Detail: "id 7"}
	if got := err.Error(); got != "occurrence dropped: missing_timestamp: id 7" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&DropError{Reason: ReasonMissingID}).Error(); got != "occurrence dropped: missing_id" {
		t.Errorf("Error() = %q", got)
	}
}
