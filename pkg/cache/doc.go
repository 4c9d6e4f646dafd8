// Package cache stores small, slowly changing Rollbar lookups in Redis.
//
// The ingester resolves a project counter to Rollbar's global item ID before
// it can list occurrences. That mapping never changes for a given access
// token, so it is cached across runs instead of costing one API call (and one
// unit of rate limit budget) per run.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.ItemKey(cache.TokenScope(token), 1234)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// resolve via the API, then:
//		_ = manager.Set(ctx, key, cache.NewEntry(data, 24*time.Hour))
//	}
//
// # Metrics
//
//   - rollbar_cache_hits_total - Cache hits
//   - rollbar_cache_misses_total - Cache misses
//   - rollbar_cache_errors_total{operation} - Cache operation errors
package cache
