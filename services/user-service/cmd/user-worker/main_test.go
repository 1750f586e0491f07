package main

import (
	"testing"

	"github.com/md-rashed-zaman/userhub/services/user-service/internal/broker"
	"github.com/stretchr/testify/assert"
)

func TestKafkaSubscriberConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_GROUP_ID", "")
	t.Setenv("KAFKA_BINDING", "")
	cfg := kafkaSubscriberConfig("k1:9092, k2:9092", "users")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, "users", cfg.Topic)
	assert.Equal(t, broker.DefaultQueue, cfg.GroupID)
	assert.Equal(t, broker.DefaultBinding, cfg.Binding)

	t.Setenv("KAFKA_GROUP_ID", "audit")
	t.Setenv("KAFKA_BINDING", "user.registered")
	cfg = kafkaSubscriberConfig("k1:9092", "users")
	assert.Equal(t, "audit", cfg.GroupID)
	assert.Equal(t, "user.registered", cfg.Binding)
}
