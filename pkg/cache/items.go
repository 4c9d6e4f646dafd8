package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ItemIDs caches counter → item ID resolutions for one access token.
type ItemIDs struct {
	manager *Manager
	scope   string
	ttl     time.Duration
}

// ItemIDs returns the item ID cache for token. Entries live for ttl.
func (m *Manager) ItemIDs(token string, ttl time.Duration) *ItemIDs {
	return &ItemIDs{
		manager: m,
		scope:   TokenScope(token),
		ttl:     ttl,
	}
}

// Lookup returns the cached item ID for counter, or ErrCacheMiss.
func (c *ItemIDs) Lookup(ctx context.Context, counter int64) (int64, error) {
	entry, err := c.manager.Get(ctx, ItemKey(c.scope, counter))
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(string(entry.Data), 10, 64)
	if err != nil || id <= 0 {
		CacheErrors.WithLabelValues("get").Inc()
		return 0, fmt.Errorf("%w: item id %q", ErrInvalidEntry, entry.Data)
	}
	return id, nil
}

// Store caches the item ID for counter.
func (c *ItemIDs) Store(ctx context.Context, counter, id int64) error {
	entry := NewEntry([]byte(strconv.FormatInt(id, 10)), c.ttl)
	return c.manager.Set(ctx, ItemKey(c.scope, counter), entry)
}

// Forget removes the cached item ID for counter.
func (c *ItemIDs) Forget(ctx context.Context, counter int64) error {
	return c.manager.Delete(ctx, ItemKey(c.scope, counter))
}
