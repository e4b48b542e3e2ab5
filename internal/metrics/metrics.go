// Package metrics exposes Prometheus instruments for dispatch, handoff and
// background work. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	tasks           *prometheus.CounterVec
	handoffs        *prometheus.CounterVec
	retrievalErrors prometheus.Counter
	storesQueued    prometheus.Counter
	swept           *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_provider_attempts_total",
			Help: "Provider attempts by agent, provider and outcome.",
		}, []string{"agent", "provider", "status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_provider_attempt_duration_seconds",
			Help:    "Provider attempt latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"agent", "provider"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"agent", "status"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_handoffs_total",
			Help: "Follow-up tasks enqueued by the handoff engine.",
		}, []string{"from", "to"}),
		retrievalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_retrieval_errors_total",
			Help: "Context retrievals that failed and fell back to an empty context block.",
		}),
		storesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_context_stores_queued_total",
			Help: "Context record writes deferred to the job queue.",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_stale_rows_swept_total",
			Help: "Running rows failed by the stale-run sweeper.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.attemptDuration, m.tasks, m.handoffs,
		m.retrievalErrors, m.storesQueued, m.swept,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAttempt(agent, provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(agent, provider, status).Inc()
	m.attemptDuration.WithLabelValues(agent, provider).Observe(d.Seconds())
}

func (m *Metrics) TaskFinished(agent, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(agent, status).Inc()
}

func (m *Metrics) Handoff(from, to string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RetrievalFailed() {
	if m == nil {
		return
	}
	m.retrievalErrors.Inc()
}

func (m *Metrics) StoreQueued() {
	if m == nil {
		return
	}
	m.storesQueued.Inc()
}

// Swept counts rows failed by the sweeper; kind is "task" or "log".
func (m *Metrics) Swept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}
