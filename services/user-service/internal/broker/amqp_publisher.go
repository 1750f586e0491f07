package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/userhub/libs/amqpx"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "domain-events"

// AMQPPublisher publishes to a durable topic exchange through an amqpx.Conn.
// The Conn must declare the exchange (amqpx.DeclareTopicExchange).
type AMQPPublisher struct {
	conn     *amqpx.Conn
	exchange string
	retry    RetryPolicy
	logger   *slog.Logger
}

func NewAMQPPublisher(conn *amqpx.Conn, exchange string, retry RetryPolicy, logger *slog.Logger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, retry: retry, logger: logger}
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	return p.retry.Do(ctx, func(ctx context.Context) error {
		ch, err := p.conn.Channel(ctx)
		if err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx, p.exchange, msg.Type, false, false, amqp.Publishing{
			Headers:      amqpx.InjectTraceHeaders(ctx, amqp.Table{}),
			ContentType:  ContentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		})
		if err != nil {
			p.conn.Reset(err)
			p.logger.Debug("amqp publish attempt failed", "message_id", msg.ID, "err", err)
			return err
		}
		return nil
	})
}
