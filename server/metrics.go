package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes orchestrator health for Prometheus scraping, all
// namespaced "orchestra_".
type Metrics struct {
	activeWorkflows prometheus.Gauge
	started         prometheus.Counter
	finished        *prometheus.CounterVec
	nodeLatency     *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator metrics with the registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "active_workflows",
			Help:      "Number of workflows currently pending, in progress, blocked, or planning",
		}),
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "workflows_started_total",
			Help:      "Workflows launched since process start",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "workflows_finished_total",
			Help:      "Workflows reaching a terminal status, by status",
		}, []string{"status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "node_latency_ms",
			Help:      "Graph node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node"}),
	}
}

// WorkflowStarted records a launch.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

// WorkflowFinished records a terminal status.
func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
}

// SetActiveWorkflows updates the active gauge.
func (m *Metrics) SetActiveWorkflows(n int) {
	if m == nil {
		return
	}
	m.activeWorkflows.Set(float64(n))
}

// ObserveNodeLatency records one graph node execution.
func (m *Metrics) ObserveNodeLatency(node string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(node).Observe(float64(d.Milliseconds()))
}
