// Package metrics provides the Prometheus registry and HTTP handler for the
// harvester. All metrics are defined in their respective packages via
// promauto to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer exposes the registered metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Credential Metrics (pkg/credentials):
//   - harvest_credentials_active (Gauge): Credential sets currently active
//   - harvest_credentials_leased (Gauge): Credential sets leased to in-flight operations
//   - harvest_credentials_blocked_total (Counter): Sets moved to blocked
//   - harvest_pool_exhausted_total (Counter): Acquire calls that found every set blocked
//   - harvest_sessions_retired_total (Counter): Retired sessions
//
// Token Metrics (pkg/token):
//   - harvest_token_extractions_total{kind, source} (Counter): Token values by source
//   - harvest_token_refreshes_total{reason, result} (Counter): Refreshes by reason and result
//
// Throttle Metrics (pkg/throttle):
//   - harvest_throttle_delay_seconds (Histogram): Pacing delay before a request
//   - harvest_throttle_penalties_total{reason} (Counter): recent_block, spacing
//
// Request and Retry Metrics (pkg/client):
//   - harvest_requests_total{status} (Counter): Upstream requests by HTTP status
//   - harvest_request_duration_seconds (Histogram): Upstream request duration
//   - harvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvest_retry_backoff_seconds{error_class} (Histogram): Backoff by error class
//   - harvest_retry_exhausted_total{error_class} (Counter): Operations that ran out of attempts
//   - harvest_proactive_refresh_total (Counter): Token refreshes forced by repeated blocks
//
// Discovery Metrics (pkg/discovery):
//   - harvest_discovery_total{status} (Counter): success, partial, exhausted
//   - harvest_strategy_runs_total{strategy, result} (Counter): items, empty, failed, skipped
//   - harvest_soft_throttle_retries_total (Counter): Truncated pages re-requested
//   - harvest_identifiers_rejected_total (Counter): Candidates dropped by the format filter
//
// Extraction, Cache and Sink Metrics (pkg/extract, pkg/cache, pkg/sink):
//   - harvest_extract_items_total{result} (Counter): fetched, cached, failed
//   - harvest_extract_item_duration_seconds (Histogram): Per-item time, retries included
//   - harvest_cache_hits_total / harvest_cache_misses_total (Counter)
//   - harvest_cache_stored_bytes_total (Counter): Bytes written to the record cache
//   - harvest_cache_errors_total{operation} (Counter): get, set, delete
//   - harvest_sink_writes_total{sink, kind, result} (Counter)
//
// Job Metrics (pkg/job):
//   - harvest_job_entities_total{status} (Counter): Entities by discovery status
//
// Example Prometheus Queries:
//
//   # Share of entities ending partial
//   sum(rate(harvest_discovery_total{status="partial"}[1h])) /
//   sum(rate(harvest_discovery_total[1h]))
//
//   # Block rate across the pool
//   rate(harvest_credentials_blocked_total[15m])
//
//   # Soft throttling pressure
//   rate(harvest_soft_throttle_retries_total[15m])
