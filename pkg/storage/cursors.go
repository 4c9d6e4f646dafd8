package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Sternrassler/rollbar-ingest/pkg/cursor"
)

// CursorStore keeps ingestion cursors in the ingest_cursors table.
type CursorStore struct {
	s *Store
}

var _ cursor.Store = (*CursorStore)(nil)

// Cursors returns the store's cursor table.
func (s *Store) Cursors() *CursorStore {
	return &CursorStore{s: s}
}

func (c *CursorStore) Load(ctx context.Context, counter int64) (cursor.Cursor, bool, error) {
	q := c.s.dialect.rebind(`SELECT item_id, "offset", fetched, target, updated_at
		FROM ingest_cursors WHERE project_counter = ?`)

	cur := cursor.Cursor{ProjectCounter: counter}
	var updatedAt int64
	err := c.s.db.QueryRowContext(ctx, q, counter).Scan(
		&cur.ItemID, &cur.Offset, &cur.Fetched, &cur.Target, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cursor.Cursor{}, false, nil
		}
		return cursor.Cursor{}, false, &Error{Op: "load cursor", Attempts: 1, Err: err}
	}
	cur.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cur, true, nil
}

func (c *CursorStore) Save(ctx context.Context, cur cursor.Cursor) error {
	q := c.s.dialect.rebind(`INSERT INTO ingest_cursors
		(project_counter, item_id, "offset", fetched, target, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_counter) DO UPDATE SET
			item_id = excluded.item_id,
			"offset" = excluded."offset",
			fetched = excluded.fetched,
			target = excluded.target,
			updated_at = excluded.updated_at`)

	updatedAt := cur.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = c.s.now()
	}
	if _, err := c.s.db.ExecContext(ctx, q,
		cur.ProjectCounter, cur.ItemID, cur.Offset, cur.Fetched, cur.Target, updatedAt.UnixMilli(),
	); err != nil {
		return &Error{Op: "save cursor", Attempts: 1, Err: err}
	}
	return nil
}

func (c *CursorStore) Delete(ctx context.Context, counter int64) error {
	q := c.s.dialect.rebind(`DELETE FROM ingest_cursors WHERE project_counter = ?`)
	if _, err := c.s.db.ExecContext(ctx, q, counter); err != nil {
		return &Error{Op: "delete cursor", Attempts: 1, Err: err}
	}
	return nil
}
