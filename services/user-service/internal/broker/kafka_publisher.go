package broker

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/userhub/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

const DefaultKafkaTopic = "domain-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every event to one topic keyed by aggregate id, so
// events of one user keep their relative order within a partition. The
// message id and type travel as headers.
type KafkaPublisher struct {
	writer messageWriter
	retry  RetryPolicy
}

func NewKafkaPublisher(brokers []string, topic string, retry RetryPolicy) *KafkaPublisher {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, retry: retry}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	return p.retry.Do(ctx, func(ctx context.Context) error {
		km := kafka.Message{
			Key:   []byte(key),
			Value: msg.Body,
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: kafkax.HeaderMessageID, Value: []byte(msg.ID)},
				{Key: kafkax.HeaderMessageType, Value: []byte(msg.Type)},
				{Key: kafkax.HeaderContentType, Value: []byte(ContentTypeJSON)},
			},
		}
		km.Headers = kafkax.InjectTraceHeaders(ctx, km.Headers)
		return p.writer.WriteMessages(ctx, km)
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
