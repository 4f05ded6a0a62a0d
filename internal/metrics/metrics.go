// Package metrics exposes the dispatch pipeline's Prometheus collectors.
// Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobfit"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	tasksEnqueued     *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
	guardRejected     *prometheus.CounterVec
	tasksRequeued     *prometheus.CounterVec
	tasksFinished     *prometheus.CounterVec
	tokensStreamed    *prometheus.CounterVec
	cleanupErrors     *prometheus.CounterVec

	// Histograms
	modelLatency *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Total number of tasks accepted onto a queue",
			},
			[]string{"queue"},
		),
		admissionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_rejected_total",
				Help:      "Total number of enqueue requests rejected by admission control",
			},
			[]string{"reason"},
		),
		guardRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_rejected_total",
				Help:      "Total number of deliveries turned away by a concurrency guard",
			},
			[]string{"code"},
		),
		tasksRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_requeued_total",
				Help:      "Total number of delayed redeliveries scheduled",
			},
			[]string{"code"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of task deliveries by outcome",
			},
			[]string{"outcome"},
		),
		tokensStreamed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_streamed_total",
				Help:      "Total number of streamed chunks forwarded to clients",
			},
			[]string{"model"},
		),
		cleanupErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_errors_total",
				Help:      "Total number of failed cleanup steps",
			},
			[]string{"step"},
		),
		modelLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_latency_seconds",
				Help:      "Model call duration in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "worker"},
		),
	}

	reg.MustRegister(
		m.tasksEnqueued,
		m.admissionRejected,
		m.guardRejected,
		m.tasksRequeued,
		m.tasksFinished,
		m.tokensStreamed,
		m.cleanupErrors,
		m.modelLatency,
	)

	return m
}

func (m *Metrics) TaskEnqueued(queue string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) GuardRejected(code string) {
	if m == nil {
		return
	}
	m.guardRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) TaskRequeued(code string) {
	if m == nil {
		return
	}
	m.tasksRequeued.WithLabelValues(code).Inc()
}

func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokensStreamed(model string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensStreamed.WithLabelValues(model).Add(float64(n))
}

func (m *Metrics) CleanupError(step string) {
	if m == nil {
		return
	}
	m.cleanupErrors.WithLabelValues(step).Inc()
}

// ObserveLatency records one model call.
func (m *Metrics) ObserveLatency(model, worker string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(model, worker).Observe(d.Seconds())
}
