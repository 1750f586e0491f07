package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/userhub/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSubscriberConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Binding filters message types with the same rules as an AMQP topic binding.
	Binding string
	// RedeliveryDelay is the pause before a requeued message is handled again.
	RedeliveryDelay time.Duration
}

// KafkaSubscriber reads one partition stream sequentially. A nack with
// requeue re-handles the same message after RedeliveryDelay; the offset is
// committed only once the message is acked or dropped.
type KafkaSubscriber struct {
	reader messageReader
	cfg    KafkaSubscriberConfig
	logger *slog.Logger
}

func NewKafkaSubscriber(cfg KafkaSubscriberConfig, logger *slog.Logger) *KafkaSubscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultQueue
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaSubscriber(reader, cfg, logger)
}

func newKafkaSubscriber(reader messageReader, cfg KafkaSubscriberConfig, logger *slog.Logger) *KafkaSubscriber {
	if cfg.Binding == "" {
		cfg.Binding = DefaultBinding
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	return &KafkaSubscriber{reader: reader, cfg: cfg, logger: logger}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("kafka read error", "err", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		meta := kafkax.ExtractEventMeta(msg)
		if meta.Type != "" && !MatchRoutingKey(s.cfg.Binding, meta.Type) {
			s.commit(ctx, msg)
			continue
		}

		msgCtx := kafkax.ExtractTraceContext(ctx, msg)
		for redelivered := false; ; redelivered = true {
			ack := &kafkaAcker{}
			h(msgCtx, NewDelivery(Message{
				ID:          meta.MessageID,
				Type:        meta.Type,
				AggregateID: string(msg.Key),
				Body:        msg.Value,
			}, meta.Type, redelivered, ack))

			if !ack.requeue() {
				break
			}
			if !sleepCtx(ctx, s.cfg.RedeliveryDelay) {
				return nil
			}
		}
		s.commit(ctx, msg)
	}
}

func (s *KafkaSubscriber) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		s.logger.Error("kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
}

// kafkaAcker records how the handler settled a message. A handler that
// returns without settling is treated as a requeue.
type kafkaAcker struct {
	mu      sync.Mutex
	settled bool
	again   bool
}

func (a *kafkaAcker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = true
	return nil
}

func (a *kafkaAcker) Nack(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = true
	a.again = requeue
	return nil
}

func (a *kafkaAcker) requeue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.settled || a.again
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
