package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestNewTracker_Defaults(t *testing.T) {
	tracker := NewTracker(Config{}, testLogger())

	if tracker.cfg.Limit != 60 {
		t.Errorf("Limit = %d, want 60", tracker.cfg.Limit)
	}
	if tracker.cfg.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", tracker.cfg.Window)
	}
}

func TestWait_AllowsUpToLimit(t *testing.T) {
	tracker := NewTracker(Config{Limit: 3, Window: time.Hour}, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() #%d error = %v", i+1, err)
		}
	}

	// Fourth request must not fit in the window.
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tracker.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() over limit error = %v, want deadline exceeded", err)
	}
}

func TestWait_BlocksUntilWindowSlides(t *testing.T) {
	window := 150 * time.Millisecond
	tracker := NewTracker(Config{Limit: 2, Window: window}, testLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < window-10*time.Millisecond {
		t.Errorf("third request sent after %v, want >= %v", elapsed, window)
	}
}

func TestWait_NeverExceedsLimitUnderConcurrency(t *testing.T) {
	window := 200 * time.Millisecond
	limit := 4
	tracker := NewTracker(Config{Limit: limit, Window: window}, testLogger())

	var mu sync.Mutex
	var sent []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tracker.Wait(context.Background()); err != nil {
				t.Errorf("Wait() error = %v", err)
				return
			}
			mu.Lock()
			sent = append(sent, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Any limit+1 consecutive sends must span at least one window.
	sortTimes(sent)
	for i := limit; i < len(sent); i++ {
		span := sent[i].Sub(sent[i-limit])
		if span < window-20*time.Millisecond {
			t.Errorf("sends %d..%d spanned %v, want >= %v", i-limit, i, span, window)
		}
	}
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func TestUpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name          string
		headers       map[string]string
		wantErr       bool
		wantKnown     bool
		wantRemaining int
		wantLimit     int
	}{
		{
			name:      "no headers",
			headers:   map[string]string{},
			wantKnown: false,
		},
		{
			name: "remaining seconds",
			headers: map[string]string{
				HeaderLimit:            "5000",
				HeaderRemaining:        "4999",
				HeaderRemainingSeconds: "60",
			},
			wantKnown:     true,
			wantRemaining: 4999,
			wantLimit:     5000,
		},
		{
			name: "epoch reset",
			headers: map[string]string{
				HeaderRemaining: "10",
				HeaderReset:     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
			},
			wantKnown:     true,
			wantRemaining: 10,
		},
		{
			name:    "invalid remaining",
			headers: map[string]string{HeaderRemaining: "lots"},
			wantErr: true,
		},
		{
			name: "invalid reset",
			headers: map[string]string{
				HeaderRemaining: "10",
				HeaderReset:     "soon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(DefaultConfig(), testLogger())

			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			err := tracker.UpdateFromHeaders(h)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state := tracker.State()
			if state.Known() != tt.wantKnown {
				t.Errorf("Known() = %v, want %v", state.Known(), tt.wantKnown)
			}
			if !tt.wantKnown {
				return
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if state.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", state.Limit, tt.wantLimit)
			}
		})
	}
}

func TestWait_HonorsExhaustedServerWindow(t *testing.T) {
	tracker := NewTracker(Config{Limit: 100, Window: time.Second}, testLogger())

	h := http.Header{}
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderRemainingSeconds, "30")
	if err := tracker.UpdateFromHeaders(h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if !tracker.State().Exhausted(time.Now()) {
		t.Fatal("State should be exhausted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tracker.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded while server window is exhausted", err)
	}
}

func TestWait_ResumesAfterServerReset(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), testLogger())

	base := time.Now()
	clock := base
	tracker.now = func() time.Time { return clock }

	h := http.Header{}
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderRemainingSeconds, "10")
	if err := tracker.UpdateFromHeaders(h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if delay, reason := tracker.reserve(); delay != 10*time.Second || reason != "server_exhausted" {
		t.Errorf("reserve() = (%v, %q), want (10s, server_exhausted)", delay, reason)
	}

	clock = base.Add(11 * time.Second)
	if delay, _ := tracker.reserve(); delay != 0 {
		t.Errorf("reserve() after reset delay = %v, want 0", delay)
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	now := time.Now()

	s := State{ResetAt: now.Add(5 * time.Second), LastUpdate: now}
	if got := s.TimeUntilReset(now); got != 5*time.Second {
		t.Errorf("TimeUntilReset() = %v, want 5s", got)
	}

	s.ResetAt = now.Add(-time.Second)
	if got := s.TimeUntilReset(now); got != 0 {
		t.Errorf("TimeUntilReset() past reset = %v, want 0", got)
	}
}

func TestState_Exhausted(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		state State
		want  bool
	}{
		{"no headers seen", State{}, false},
		{"calls left", State{Remaining: 3, ResetAt: now.Add(time.Minute), LastUpdate: now}, false},
		{"none left before reset", State{Remaining: 0, ResetAt: now.Add(time.Minute), LastUpdate: now}, true},
		// Headers from an earlier window no longer hold anything back.
		{"none left from old window", State{Remaining: 0, ResetAt: now.Add(-time.Second), LastUpdate: now.Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Exhausted(now); got != tt.want {
				t.Errorf("Exhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}
