// Package metrics holds the pipeline's Prometheus instruments. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consumer outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	OutboxPublished   *prometheus.CounterVec
	OutboxFailed      *prometheus.CounterVec
	RelayBatchSize    prometheus.Histogram
	PublishAttempts   *prometheus.CounterVec
	ConsumerMessages  *prometheus.CounterVec
	ProjectionLatency prometheus.Histogram
}

// New registers the instruments on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "userhub_outbox_published_total",
			Help: "Outbox rows published to the broker",
		}, []string{"type"}),
		OutboxFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "userhub_outbox_publish_failures_total",
			Help: "Outbox rows whose publish failed after all attempts",
		}, []string{"type"}),
		RelayBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "userhub_relay_batch_size",
			Help:    "Rows selected per relay poll",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		PublishAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "userhub_publish_attempts_total",
			Help: "Individual broker publish attempts",
		}, []string{"result"}),
		ConsumerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "userhub_consumer_messages_total",
			Help: "Consumed messages by outcome",
		}, []string{"outcome"}),
		ProjectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "userhub_projection_duration_seconds",
			Help:    "Time to apply one projection mutation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Published(typ string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(typ).Inc()
}

func (m *Metrics) PublishFailed(typ string) {
	if m == nil {
		return
	}
	m.OutboxFailed.WithLabelValues(typ).Inc()
}

func (m *Metrics) BatchSize(n int) {
	if m == nil {
		return
	}
	m.RelayBatchSize.Observe(float64(n))
}

func (m *Metrics) PublishAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.PublishAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.ConsumerMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProjection(seconds float64) {
	if m == nil {
		return
	}
	m.ProjectionLatency.Observe(seconds)
}
