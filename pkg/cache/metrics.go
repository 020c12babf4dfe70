package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gql_cache_hits_total",
			Help: "Total number of GraphQL response cache hits",
		},
		[]string{"layer"}, // "memory", "redis"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gql_cache_misses_total",
			Help: "Total number of GraphQL response cache misses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gql_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "invalidate"
	)

	// CacheInvalidations tracks entries removed by tag invalidation
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gql_cache_invalidations_total",
			Help: "Total number of cache entries removed by tag invalidation",
		},
	)

	// MemoryEntries tracks the number of entries in the memory layer
	MemoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gql_cache_memory_entries",
			Help: "Current number of entries in the in-process cache layer",
		},
	)
)
