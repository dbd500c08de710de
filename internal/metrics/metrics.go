// Package metrics holds the Prometheus instruments for the engine. One
// Metrics value is created at startup and threaded to the subsystems that
// record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the engine exposes on /metrics.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	NodeExecutions *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	NodeFailures   *prometheus.CounterVec

	QueueDepth     *prometheus.GaugeVec
	QueuePublished *prometheus.CounterVec
	QueueRedeliver *prometheus.CounterVec

	PollerTicks    *prometheus.CounterVec
	PollerFiles    *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
	JoinOutcomes   *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
}

// New registers the instruments with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers against a caller-supplied registry. Tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_runs_total",
			Help: "Flow runs by trigger source and terminal status",
		}, []string{"source", "status"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_run_duration_seconds",
			Help:    "Wall time from run start to terminal status",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"source"}),

		NodeExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_node_executions_total",
			Help: "Node executions by node type and status",
		}, []string{"node_type", "status"}),

		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_node_duration_seconds",
			Help:    "Single node execution duration, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type"}),

		NodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_node_failures_total",
			Help: "Final node failures by node type and error kind",
		}, []string{"node_type", "kind"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trellis_queue_depth",
			Help: "Pending deliveries per topic (in-memory backend only)",
		}, []string{"topic"}),

		QueuePublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_queue_published_total",
			Help: "Messages published by backend and topic",
		}, []string{"backend", "topic"}),

		QueueRedeliver: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_queue_redeliveries_total",
			Help: "Nacked deliveries returned to the queue",
		}, []string{"backend", "topic"}),

		PollerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_poller_ticks_total",
			Help: "Poll cycles by poller type and outcome",
		}, []string{"poller_type", "result"}),

		PollerFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_poller_files_total",
			Help: "New files dispatched by poller type",
		}, []string{"poller_type"}),

		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_token_refreshes_total",
			Help: "Token refresh attempts by adapter kind and result",
		}, []string{"adapter_kind", "result"}),

		JoinOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_join_outcomes_total",
			Help: "Join slot resolutions: matched or timeout by strategy",
		}, []string{"outcome", "strategy"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trellis_breaker_state",
			Help: "Circuit breaker state per host: 0 closed, 1 open, 2 half-open",
		}, []string{"host"}),
	}
}

// RecordRun records a terminal run.
func (m *Metrics) RecordRun(source, status string, seconds float64) {
	m.RunsTotal.WithLabelValues(source, status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(seconds)
}

// RecordNode records one finished node execution.
func (m *Metrics) RecordNode(nodeType, status, kind string, seconds float64) {
	m.NodeExecutions.WithLabelValues(nodeType, status).Inc()
	m.NodeDuration.WithLabelValues(nodeType).Observe(seconds)
	if kind != "" {
		m.NodeFailures.WithLabelValues(nodeType, kind).Inc()
	}
}

// RecordPublish counts an enqueue.
func (m *Metrics) RecordPublish(backend, topic string) {
	m.QueuePublished.WithLabelValues(backend, topic).Inc()
}

// RecordRedelivery counts a nack going back onto the queue.
func (m *Metrics) RecordRedelivery(backend, topic string) {
	m.QueueRedeliver.WithLabelValues(backend, topic).Inc()
}

// SetQueueDepth tracks pending deliveries for a topic.
func (m *Metrics) SetQueueDepth(topic string, depth float64) {
	m.QueueDepth.WithLabelValues(topic).Set(depth)
}

// RecordPollerTick records one poll cycle outcome (files, empty, error).
func (m *Metrics) RecordPollerTick(pollerType, result string, newFiles int) {
	m.PollerTicks.WithLabelValues(pollerType, result).Inc()
	if newFiles > 0 {
		m.PollerFiles.WithLabelValues(pollerType).Add(float64(newFiles))
	}
}

// RecordTokenRefresh records a refresh attempt outcome.
func (m *Metrics) RecordTokenRefresh(adapterKind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TokenRefreshes.WithLabelValues(adapterKind, result).Inc()
}

// RecordJoin records a slot resolution.
func (m *Metrics) RecordJoin(outcome, strategy string) {
	m.JoinOutcomes.WithLabelValues(outcome, strategy).Inc()
}

// SetBreakerState mirrors a breaker state change into the gauge.
func (m *Metrics) SetBreakerState(host string, state float64) {
	m.BreakerState.WithLabelValues(host).Set(state)
}
