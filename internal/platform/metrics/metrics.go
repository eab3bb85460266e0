// Package metrics provides Prometheus metrics for the token exchange and
// resource request paths.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fhir_mcp"

// Token exchange outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeUnreachable = "unreachable"
	OutcomeRejected    = "rejected"
	OutcomeMalformed   = "malformed"
	OutcomeSigning     = "signing_error"
)

// Retry targets.
const (
	TargetToken    = "token"
	TargetResource = "resource"
)

var (
	// TokenExchanges counts calls to the token endpoint by outcome.
	TokenExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_exchanges_total",
			Help:      "Total number of token endpoint exchanges by outcome",
		},
		[]string{"outcome"},
	)

	// TokenCacheHits counts token requests served from the cache.
	TokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_cache_hits_total",
			Help:      "Total number of access token requests served from cache",
		},
	)

	// TokenInvalidations counts cache evictions caused by 401 responses.
	TokenInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_invalidations_total",
			Help:      "Total number of cached tokens evicted after an unauthorized response",
		},
	)

	// ResourceRequests counts resource API responses by resource type and status code.
	ResourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fhir",
			Name:      "requests_total",
			Help:      "Total number of resource API requests by resource type and status code",
		},
		[]string{"resource_type", "code"},
	)

	// ResourceLatency tracks resource API request latency.
	ResourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fhir",
			Name:      "request_duration_seconds",
			Help:      "Resource API request latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource_type"},
	)

	// PagesFetched counts bundle pages fetched while following next links.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fhir",
			Name:      "pages_fetched_total",
			Help:      "Total number of bundle pages fetched",
		},
		[]string{"resource_type"},
	)

	// TruncatedResults counts searches stopped by the page cap.
	TruncatedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fhir",
			Name:      "truncated_results_total",
			Help:      "Total number of searches truncated by the page cap",
		},
		[]string{"resource_type"},
	)

	// ToolCalls counts MCP tool invocations by tool and result.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total number of MCP tool calls by tool and result",
		},
		[]string{"tool", "result"},
	)

	// Retries counts retry attempts by target.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried outbound calls by target",
		},
		[]string{"target"},
	)
)

// RecordTokenExchange records the outcome of one token endpoint attempt.
func RecordTokenExchange(outcome string) {
	TokenExchanges.WithLabelValues(outcome).Inc()
}

// RecordResourceRequest records one resource API response. code is 0 for
// transport failures.
func RecordResourceRequest(resourceType string, code int, elapsed time.Duration) {
	if resourceType == "" {
		resourceType = "unknown"
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	ResourceRequests.WithLabelValues(resourceType, label).Inc()
	ResourceLatency.WithLabelValues(resourceType).Observe(elapsed.Seconds())
}

// RecordRetry records one retry of an outbound call.
func RecordRetry(target string) {
	Retries.WithLabelValues(target).Inc()
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool string, isError bool) {
	result := "ok"
	if isError {
		result = "error"
	}
	ToolCalls.WithLabelValues(tool, result).Inc()
}
