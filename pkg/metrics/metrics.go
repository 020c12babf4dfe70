// Package metrics exposes the Prometheus metrics of the AniList client.
// All metrics are defined in their respective packages (batcher, transport,
// cache, ratelimit) via promauto; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gatherer is the gatherer Handler reads from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Batcher Metrics (pkg/batcher):
//   - gql_batches_total{trigger} (Counter): Dispatched windows by trigger (size, timer, manual, close)
//   - gql_batch_size (Histogram): Requests per dispatched window
//   - gql_batch_requests_total{outcome} (Counter): Settled requests by outcome
//     (ok, cancelled, transport_error, upstream_error, malformed, rejected)
//
// Transport Metrics (pkg/transport):
//   - gql_transport_requests_total{status} (Counter): Upstream HTTP requests by status
//   - gql_transport_request_duration_seconds (Histogram): Upstream request duration
//   - gql_transport_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - gql_transport_retries_total{error_class} (Counter): Retry attempts by error class
//   - gql_transport_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gql_transport_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - gql_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - gql_cache_misses_total (Counter): Cache misses
//   - gql_cache_errors_total{operation} (Counter): Cache operation errors
//   - gql_cache_invalidations_total (Counter): Entries removed by tag invalidation
//   - gql_cache_memory_entries (Gauge): Entries in the memory layer
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gql_rate_limit_remaining (Gauge): Requests remaining in the upstream window
//   - gql_rate_limit_blocks_total (Counter): Requests blocked at the critical threshold
//   - gql_rate_limit_throttles_total (Counter): Requests throttled at the warning threshold
//
// Example Prometheus Queries:
//
//	# Mean requests per upstream POST
//	sum(rate(gql_batch_size_sum[5m])) / sum(rate(gql_batch_size_count[5m]))
//
//	# Cache Hit Rate
//	sum(rate(gql_cache_hits_total[5m])) /
//	(sum(rate(gql_cache_hits_total[5m])) + sum(rate(gql_cache_misses_total[5m])))
//
//	# Budget running low
//	gql_rate_limit_remaining < 10
//
//	# P95 Upstream Latency
//	histogram_quantile(0.95, rate(gql_transport_request_duration_seconds_bucket[5m]))
