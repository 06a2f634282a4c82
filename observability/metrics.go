// Package observability hosts the service's prometheus registries and the
// structured logging setup. Metrics registries are lazily initialised so
// tests that never scrape them pay nothing.
package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type jobMetrics struct {
	transitions *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

type sweepMetrics struct {
	runs     *prometheus.CounterVec
	actions  *prometheus.CounterVec
	duration prometheus.Histogram
}

type escrowMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type gatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	jobMetricsOnce sync.Once
	jobRegistry    *jobMetrics

	sweepMetricsOnce sync.Once
	sweepRegistry    *sweepMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics
)

// JobMetrics returns the lazily-initialised registry for lifecycle activity.
func JobMetrics() *jobMetrics {
	jobMetricsOnce.Do(func() {
		jobRegistry = &jobMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "Job status transitions segmented by target status.",
			}, []string{"status"}),
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "jobs",
				Name:      "verdicts_total",
				Help:      "Verification verdicts segmented by template and outcome.",
			}, []string{"template", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "jobs",
				Name:      "rejections_total",
				Help:      "Synchronous rejections segmented by stable reason code.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(jobRegistry.transitions, jobRegistry.verdicts, jobRegistry.rejections)
	})
	return jobRegistry
}

// Transition records a job entering a new status.
func (m *jobMetrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// Verdict records an evaluation outcome for a template.
func (m *jobMetrics) Verdict(template, outcome string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(template, outcome).Inc()
}

// Rejection records a synchronous policy or validation rejection.
func (m *jobMetrics) Rejection(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// SweepMetrics returns the registry for the deadline sweeper.
func SweepMetrics() *sweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &sweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Sweep executions segmented by outcome.",
			}, []string{"outcome"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "sweep",
				Name:      "actions_total",
				Help:      "Settlement actions driven by the sweeper.",
			}, []string{"action", "outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "jobmesh",
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Wall time of a full sweep pass.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(sweepRegistry.runs, sweepRegistry.actions, sweepRegistry.duration)
	})
	return sweepRegistry
}

// Run records a completed sweep pass.
func (m *sweepMetrics) Run(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Action records one settlement action attempted during a sweep.
func (m *sweepMetrics) Action(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

// EscrowMetrics returns the registry for ledger RPC activity.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Ledger RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jobmesh",
				Subsystem: "escrow",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(escrowRegistry.requests, escrowRegistry.latency)
	})
	return escrowRegistry
}

// Observe records one ledger RPC call.
func (m *escrowMetrics) Observe(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// GatewayMetrics returns the registry for the HTTP API surface.
func GatewayMetrics() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "jobmesh",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "jobmesh",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency)
	})
	return gatewayRegistry
}

// Observe records one HTTP request. Status is the code written to the
// response writer.
func (m *gatewayMetrics) Observe(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
