// Package consumer applies broker deliveries to the read model, using the
// inbox to turn redeliveries into no-ops.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/broker"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/cache"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/metrics"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/projection"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Inbox interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Record(ctx context.Context, id uuid.UUID, messageType string) (bool, error)
}

// Consumer handles one delivery at a time per goroutine; the subscriber
// decides how many run at once.
//
// The inbox check, the projection and the inbox write are separate steps.
// A crash after the projection but before the inbox write means the
// redelivery projects again, which the idempotent mutations absorb.
type Consumer struct {
	inbox   Inbox
	store   projection.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cache   cache.Cache
}

func New(inbox Inbox, store projection.Store, logger *slog.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		inbox:   inbox,
		store:   store,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("userhub/consumer"),
	}
}

// WithCache makes the consumer evict the cached copy of every user it
// projects, so API reads do not outlive the read model.
func (c *Consumer) WithCache(cc cache.Cache) *Consumer {
	c.cache = cc
	return c
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context, sub broker.Subscriber) error {
	c.logger.Info("projection consumer started")
	err := sub.Subscribe(ctx, c.Handle)
	c.logger.Info("projection consumer stopped")
	return err
}

func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) {
	ctx, span := c.tracer.Start(ctx, "consume "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination.name", d.RoutingKey),
			attribute.String("messaging.message.id", d.ID),
			attribute.Bool("messaging.redelivered", d.Redelivered),
		),
	)
	defer span.End()

	log := c.logger.With("message_id", d.ID, "routing_key", d.RoutingKey)

	if d.ID == "" {
		log.Warn("dropping message without an id")
		c.metrics.Consumed(metrics.OutcomeMalformed)
		c.ack(log, d)
		return
	}
	id, err := uuid.Parse(d.ID)
	if err != nil {
		c.fail(ctx, log, d, "invalid message id", err)
		return
	}

	seen, err := c.inbox.Exists(ctx, id)
	if err != nil {
		c.fail(ctx, log, d, "inbox lookup failed", err)
		return
	}
	if seen {
		log.Info("duplicate message ignored")
		c.metrics.Consumed(metrics.OutcomeDuplicate)
		c.ack(log, d)
		return
	}

	m, err := projection.Project(d.RoutingKey, d.Body)
	if err != nil {
		c.fail(ctx, log, d, "projection failed", err)
		return
	}
	start := time.Now()
	if err := c.store.Apply(ctx, m); err != nil {
		c.fail(ctx, log, d, "read model update failed", err)
		return
	}
	c.metrics.ObserveProjection(time.Since(start).Seconds())

	if _, err := c.inbox.Record(ctx, id, d.RoutingKey); err != nil {
		c.fail(ctx, log, d, "inbox record failed", err)
		return
	}

	if c.cache != nil && m.Op != projection.OpNone {
		if err := c.cache.Delete(ctx, cache.UserKey(m.ID)); err != nil {
			log.Warn("cache eviction failed", "err", err)
		}
	}

	c.metrics.Consumed(metrics.OutcomeApplied)
	c.ack(log, d)
	if m.Op == projection.OpNone {
		log.Debug("no projection for message type")
	}
}

func (c *Consumer) ack(log *slog.Logger, d broker.Delivery) {
	if err := d.Ack(); err != nil {
		log.Error("ack failed", "err", err)
	}
}

// fail requeues the delivery. There is no dead-letter queue, so a message
// that always fails is redelivered indefinitely; the failed counter shows it.
func (c *Consumer) fail(ctx context.Context, log *slog.Logger, d broker.Delivery, msg string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	c.metrics.Consumed(metrics.OutcomeFailed)
	log.Error(msg, "err", err, "redelivered", d.Redelivered)
	if nerr := d.Nack(true); nerr != nil {
		log.Error("nack failed", "err", nerr)
	}
}
