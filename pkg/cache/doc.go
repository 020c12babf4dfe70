// Package cache stores GraphQL response data in two layers: an in-process
// LRU and an optional shared Redis layer.
//
// Entries carry the tags and lifetime computed by the classify package, so
// a whole group of responses can be dropped with a single tag invalidation
// (for example every response tagged "anime-trending").
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.Config{
//		Redis:      redisClient, // optional
//		MemorySize: 1024,
//	})
//
//	key := cache.CacheKey{
//		Operation: "TrendingAnime",
//		Query:     query,
//		Variables: vars,
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then:
//		manager.Set(ctx, key, cache.NewEntry(data, tags, ttl))
//	}
//
// # Tag Invalidation
//
//	removed, err := manager.InvalidateTag(ctx, "anime-trending")
//
// In Redis every tag is a set of cache keys under "gql:tag:<tag>"; the set
// lives as long as its longest-lived member.
//
// # HTTP Headers
//
// ApplyHeaders writes Cache-Control and Cache-Tag for a cached entry so a
// CDN in front of the gateway can honour the same lifetime and tags.
//
// # Metrics
//
//   - gql_cache_hits_total{layer="memory|redis"} - Cache hits
//   - gql_cache_misses_total - Cache misses
//   - gql_cache_errors_total{operation} - Cache operation errors
//   - gql_cache_invalidations_total - Entries removed by tag invalidation
//   - gql_cache_memory_entries - Entries held in the memory layer
package cache
