// Package metrics exposes Prometheus instrumentation for the identification
// pipeline: provider calls, circuit breakers, quotas, cache and worker pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider Metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_provider_calls_total",
			Help: "Provider identification calls by outcome",
		},
		[]string{"provider", "outcome"}, // "success" or an error kind
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantid_provider_call_duration_seconds",
			Help:    "Duration of provider network calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"provider"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantid_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_circuit_breaker_fail_open_total",
			Help: "Calls allowed because breaker state could not be read",
		},
		[]string{"name"},
	)

	// Quota Metrics
	QuotaUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantid_quota_used",
			Help: "Calls consumed in the current quota window",
		},
		[]string{"provider", "window"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_quota_rejections_total",
			Help: "Provider calls skipped because a quota window was exhausted",
		},
		[]string{"provider", "window"},
	)

	QuotaFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_quota_fail_open_total",
			Help: "Quota checks allowed because the counter store was unavailable",
		},
		[]string{"provider"},
	)

	// Cache Metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_cache_lookups_total",
			Help: "Result cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	CacheComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_cache_computations_total",
			Help: "Uncached pipeline executions by path (locked, contended, degraded)",
		},
		[]string{"path"},
	)

	// Worker Pool Metrics
	PoolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantid_pool_tasks_in_flight",
			Help: "Provider tasks currently executing in the worker pool",
		},
	)

	PoolRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantid_pool_submit_rejected_total",
			Help: "Tasks not accepted before the request deadline",
		},
	)

	// Identification Metrics
	Identifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantid_identifications_total",
			Help: "Identification requests by result",
		},
		[]string{"result"}, // "computed", "cached", "invalid", "unavailable", "quota_exceeded", "error"
	)
)

// BreakerStateValue converts a breaker state name to its gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
