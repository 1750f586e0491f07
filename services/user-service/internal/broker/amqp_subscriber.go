package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/userhub/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultQueue    = "projections-users"
	DefaultBinding  = "user.*"
	DefaultPrefetch = 10
)

type AMQPSubscriberConfig struct {
	Exchange string
	Queue    string
	Binding  string
	// Prefetch caps unacknowledged deliveries and is also the number of
	// handler goroutines.
	Prefetch    int
	ConsumerTag string
	// ReconnectDelay is the pause before re-subscribing after the channel drops.
	ReconnectDelay time.Duration
}

func (c AMQPSubscriberConfig) withDefaults() AMQPSubscriberConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Binding == "" {
		c.Binding = DefaultBinding
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// ConsumerTopology declares the exchange plus a durable, non-exclusive,
// non-auto-delete queue bound with cfg.Binding, and applies the prefetch.
func ConsumerTopology(cfg AMQPSubscriberConfig) amqpx.Topology {
	cfg = cfg.withDefaults()
	declareExchange := amqpx.DeclareTopicExchange(cfg.Exchange)
	return func(ch amqpx.Channel) error {
		if err := declareExchange(ch); err != nil {
			return err
		}
		q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
		}
		if err := ch.QueueBind(q.Name, cfg.Binding, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.Name, err)
		}
		return ch.Qos(cfg.Prefetch, 0, false)
	}
}

// AMQPSubscriber consumes the projection queue with manual acknowledgements.
type AMQPSubscriber struct {
	conn   *amqpx.Conn
	cfg    AMQPSubscriberConfig
	logger *slog.Logger
}

// NewAMQPSubscriber expects conn to be built with ConsumerTopology(cfg).
func NewAMQPSubscriber(conn *amqpx.Conn, cfg AMQPSubscriberConfig, logger *slog.Logger) *AMQPSubscriber {
	return &AMQPSubscriber{conn: conn, cfg: cfg.withDefaults(), logger: logger}
}

var errDeliveriesClosed = errors.New("amqp delivery channel closed")

func (s *AMQPSubscriber) Subscribe(ctx context.Context, h Handler) error {
	for {
		err := s.consumeOnce(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("amqp consumer interrupted", "queue", s.cfg.Queue, "err", err)
		s.conn.Reset(err)

		t := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *AMQPSubscriber) consumeOnce(ctx context.Context, h Handler) error {
	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}
	s.logger.Info("amqp consumer started", "queue", s.cfg.Queue, "binding", s.cfg.Binding, "prefetch", s.cfg.Prefetch)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				msgCtx := amqpx.ExtractTraceContext(ctx, d)
				h(msgCtx, fromAMQP(d))
			}
		}()
	}
	wg.Wait()
	return errDeliveriesClosed
}

func fromAMQP(d amqp.Delivery) Delivery {
	msg := Message{ID: d.MessageId, Type: d.Type, Body: d.Body}
	if msg.Type == "" {
		msg.Type = d.RoutingKey
	}
	return NewDelivery(msg, d.RoutingKey, d.Redelivered, amqpAcker{d: d})
}

type amqpAcker struct {
	d amqp.Delivery
}

func (a amqpAcker) Ack() error { return a.d.Ack(false) }

func (a amqpAcker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
