// Package metrics exposes engine metrics in Prometheus text format.
//
// Each runtime owns one Metrics instance with its own registry, so
// embedding applications can mount several runtimes without collector
// collisions. All record methods are nil-receiver safe: a runtime
// configured without metrics pays only a nil check.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	routineExecutions *prometheus.CounterVec
	routineDuration   prometheus.Histogram
	activeJobs        prometheus.Gauge
	queueDepth        prometheus.Gauge
	postsTotal        prometheus.Counter
	breakpointHits    prometheus.Counter
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.routineExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "routine_executions_total",
			Help:      "Total routine activations by outcome status.",
		},
		[]string{"status"},
	)
	m.routineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sluice",
			Name:      "routine_duration_seconds",
			Help:      "Duration of routine logic executions.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sluice",
			Name:      "active_jobs",
			Help:      "Jobs currently pending or running.",
		},
	)
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sluice",
			Name:      "event_queue_depth",
			Help:      "Tasks currently queued for dispatch.",
		},
	)
	m.postsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "posts_total",
			Help:      "External post calls accepted.",
		},
	)
	m.breakpointHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "breakpoint_hits_total",
			Help:      "Breakpoint captures across all jobs.",
		},
	)

	m.registry.MustRegister(
		m.routineExecutions,
		m.routineDuration,
		m.activeJobs,
		m.queueDepth,
		m.postsTotal,
		m.breakpointHits,
	)
	return m
}

// ObserveActivation records one routine execution with its outcome
// status ("ok", "error", "retried") and duration.
func (m *Metrics) ObserveActivation(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.routineExecutions.WithLabelValues(status).Inc()
	m.routineDuration.Observe(d.Seconds())
}

// SetActiveJobs updates the active jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

// SetQueueDepth updates the event queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// IncPost records an accepted post call.
func (m *Metrics) IncPost() {
	if m == nil {
		return
	}
	m.postsTotal.Inc()
}

// IncBreakpointHit records a breakpoint capture.
func (m *Metrics) IncBreakpointHit() {
	if m == nil {
		return
	}
	m.breakpointHits.Inc()
}

// Handler returns an http.Handler serving the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for embedders that mount
// additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
