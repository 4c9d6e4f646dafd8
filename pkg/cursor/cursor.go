// Package cursor defines the resumable position of an ingestion run and the
// stores that persist it between runs.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrOffsetRegression is returned by Advance when a page would move the
// offset backwards.
var ErrOffsetRegression = errors.New("cursor offset must not decrease")

// Cursor is the run's resumable position for one project counter.
type Cursor struct {
	ProjectCounter int64     `json:"project_counter"`
	ItemID         int64     `json:"item_id,omitempty"`
	Offset         int       `json:"offset"`
	Fetched        int       `json:"fetched"`
	Target         int       `json:"target"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New returns a cursor at the start of the occurrence list.
func New(counter int64, target int) Cursor {
	return Cursor{
		ProjectCounter: counter,
		Target:         target,
	}
}

// Remaining returns how many rows are still needed to reach the target.
func (c Cursor) Remaining() int {
	if r := c.Target - c.Fetched; r > 0 {
		return r
	}
	return 0
}

// Done reports whether the target has been reached.
func (c Cursor) Done() bool {
	return c.Remaining() == 0
}

// NextLimit returns the size of the next page request: pageSize, capped by
// the rows still needed.
func (c Cursor) NextLimit(pageSize int) int {
	return min(pageSize, c.Remaining())
}

// Advance returns the cursor after a stored page of consumed raw items of
// which processed rows were written.
func (c Cursor) Advance(consumed, processed int, now time.Time) (Cursor, error) {
	if consumed < 0 || processed < 0 {
		return c, fmt.Errorf("%w: consumed %d, processed %d", ErrOffsetRegression, consumed, processed)
	}
	c.Offset += consumed
	c.Fetched += processed
	c.UpdatedAt = now
	return c, nil
}

// Store persists cursors keyed by project counter.
type Store interface {
	// Load returns the stored cursor and true, or false if none exists.
	Load(ctx context.Context, counter int64) (Cursor, bool, error)

	// Save stores c, replacing any previous cursor for the same counter.
	Save(ctx context.Context, c Cursor) error

	// Delete removes the cursor for counter. Deleting a missing cursor is
	// not an error.
	Delete(ctx context.Context, counter int64) error
}
