// Package metrics defines the operator's Prometheus collectors. They are
// registered with the controller-runtime registry so the manager's metrics
// endpoint serves them next to the built-in controller metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Engine metrics
	FibersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "domain_operator_fibers_active",
			Help: "Number of fibers that have started and not yet completed",
		},
	)

	FibersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_operator_fibers_total",
			Help: "Total number of completed fibers by outcome",
		},
		[]string{"outcome"},
	)

	// Async call metrics
	AsyncCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_operator_async_calls_total",
			Help: "Total number of asynchronous API calls by call and outcome",
		},
		[]string{"call", "outcome"},
	)

	AsyncCallRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_operator_async_call_retries_total",
			Help: "Total number of asynchronous API call retries by call and reason",
		},
		[]string{"call", "reason"},
	)

	AsyncCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "domain_operator_async_call_duration_seconds",
			Help:    "Asynchronous API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	ClientPoolDiscards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "domain_operator_client_pool_discards_total",
			Help: "Total number of pooled API clients discarded after protocol errors",
		},
	)

	// Rolling restart metrics
	RollingRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_operator_rolling_restarts_total",
			Help: "Total number of server restarts released by the rolling scheduler",
		},
		[]string{"cluster"},
	)

	RollingBlockedPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_operator_rolling_blocked_polls_total",
			Help: "Total number of times a cluster roll waited for availability",
		},
		[]string{"cluster"},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		FibersActive,
		FibersTotal,
		AsyncCallsTotal,
		AsyncCallRetries,
		AsyncCallDuration,
		ClientPoolDiscards,
		RollingRestarts,
		RollingBlockedPolls,
	)
}
