// Package metrics exposes Prometheus counters for runs, nodes, and
// validations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry and instruments.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted    *prometheus.CounterVec
	RunsCompleted  *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	NodeFailures   *prometheus.CounterVec
	ValidationWait prometheus.Histogram
	QueueDepth     prometheus.Gauge
	ActiveWorkers  prometheus.Gauge
	LLMTokens      *prometheus.CounterVec
}

// New creates an isolated registry with all workflow instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_runs_started_total",
			Help: "Workflow runs started, by trigger kind.",
		}, []string{"trigger"}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_runs_completed_total",
			Help: "Workflow runs finished, by terminal status.",
		}, []string{"status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskpilot_node_duration_seconds",
			Help:    "Wall-clock duration of node executions.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"node"}),
		NodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_node_failures_total",
			Help: "Node executions that ended in failure.",
		}, []string{"node"}),
		ValidationWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpilot_validation_wait_seconds",
			Help:    "Time humans took to answer validation requests.",
			Buckets: prometheus.ExponentialBuckets(10, 3, 10),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskpilot_queue_depth",
			Help: "Requests waiting behind active runs.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskpilot_active_workers",
			Help: "Workers currently executing a run.",
		}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_llm_tokens_total",
			Help: "LLM tokens consumed, by provider and direction.",
		}, []string{"provider", "direction"}),
	}
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(node string, d time.Duration, failed bool) {
	m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
	if failed {
		m.NodeFailures.WithLabelValues(node).Inc()
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
