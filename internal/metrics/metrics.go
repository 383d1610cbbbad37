// Package metrics provides Prometheus instrumentation for the scoring core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskscore"

var (
	// CacheRequests counts cache lookups by cache name, tier and result (hit/miss).
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by cache, tier and result.",
		},
		[]string{"cache", "tier", "result"},
	)

	// CacheErrors counts shared-tier failures that were degraded to a miss or no-op.
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Shared tier errors by cache and operation.",
		},
		[]string{"cache", "op"},
	)

	// CacheEvictions counts local tier evictions.
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Local tier evictions by cache.",
		},
		[]string{"cache"},
	)

	// RateLimitDecisions counts admission decisions (allowed, rejected, fail_open).
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// Predictions counts scoring results by source (model/fallback) and risk level.
	Predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "predictions_total",
			Help:      "Predictions by source and risk level.",
		},
		[]string{"source", "risk_level"},
	)

	// FallbackReasons counts why the fallback scorer was used.
	FallbackReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "fallback_total",
			Help:      "Fallback scoring invocations by reason.",
		},
		[]string{"reason"},
	)

	// PipelineDuration observes end-to-end scoring latency.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Scoring pipeline duration by outcome.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)

	// VelocityRecoveries counts cold-path reads from the durable store.
	VelocityRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "velocity",
			Name:      "recoveries_total",
			Help:      "Velocity counter recoveries from the durable store by result.",
		},
		[]string{"result"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by breaker, from-state and to-state.",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheRequests,
		CacheErrors,
		CacheEvictions,
		RateLimitDecisions,
		Predictions,
		FallbackReasons,
		PipelineDuration,
		VelocityRecoveries,
		BreakerTransitions,
		HTTPRequests,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records a finished request.
func ObserveHTTP(route string, status int) {
	HTTPRequests.WithLabelValues(route, StatusBucket(status)).Inc()
}

// ObservePipeline records one pipeline run.
func ObservePipeline(outcome string, elapsed time.Duration) {
	PipelineDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// StatusBucket collapses a status code into its class ("2xx", "4xx", ...).
func StatusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
