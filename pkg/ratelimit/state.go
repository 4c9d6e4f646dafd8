// Package ratelimit paces outgoing Rollbar API requests.
// It enforces a configured request budget per time window and tracks the
// X-Rate-Limit-* headers Rollbar returns so the client backs off before the
// server starts answering with 429.
package ratelimit

import (
	"time"
)

// Rollbar rate limit response headers.
const (
	HeaderLimit            = "X-Rate-Limit-Limit"
	HeaderRemaining        = "X-Rate-Limit-Remaining"
	HeaderReset            = "X-Rate-Limit-Reset"
	HeaderRemainingSeconds = "X-Rate-Limit-Remaining-Seconds"
)

// State is the rate limit window advertised by the server.
type State struct {
	// Limit is the number of calls allowed per window (X-Rate-Limit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of calls left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`
}

// Known reports whether any headers have been observed yet.
func (s State) Known() bool {
	return !s.LastUpdate.IsZero()
}

// Exhausted returns true if the server reported no calls left and the
// window has not reset yet as of now.
func (s State) Exhausted(now time.Time) bool {
	return s.Known() && s.Remaining <= 0 && now.Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the window resets, or 0 if it
// already has.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
