// Package cache stores raw item records in Redis so that an interrupted or
// repeated extraction does not fetch the same item twice.
//
// # Basic Usage
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(rdb, cache.DefaultConfig())
//
//	key := cache.Key{Entity: "alice", ItemID: "AbC12_XyZ-9"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream, then
//		entry = cache.EntryFromResponse(resp, manager.TTL())
//		_ = manager.Set(ctx, key, entry)
//	}
//
// Entries carry their own expiry. Redis drops them at that time; Get also
// treats a stale entry as a miss.
//
// # Metrics
//
//   - harvest_cache_hits_total
//   - harvest_cache_misses_total
//   - harvest_cache_stored_bytes_total
//   - harvest_cache_errors_total{operation}
package cache
