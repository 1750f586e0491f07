package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecord(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.Published("user.registered")
	m.Published("user.registered")
	m.PublishFailed("user.deleted")
	m.Consumed(OutcomeDuplicate)
	m.PublishAttempt(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxPublished.WithLabelValues("user.registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxFailed.WithLabelValues("user.deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues("error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Published("x")
		m.BatchSize(3)
		m.Consumed(OutcomeApplied)
		m.ObserveProjection(0.1)
	})
}
