package outbox

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/userhub/libs/otel"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/broker"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/metrics"
)

const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 1500 * time.Millisecond
)

// Store is the relay's view of the outbox table.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Row, error)
	SaveOutcomes(ctx context.Context, outcomes []Outcome) error
}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Relay moves pending outbox rows to the broker. A failed row keeps
// processed_at NULL and is retried on the next poll without limit.
// Only one relay per database is safe; a second one publishes duplicates.
type Relay struct {
	store     Store
	publisher broker.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(store Store, publisher broker.Publisher, logger *slog.Logger, m *metrics.Metrics, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run polls until ctx is done. Errors are logged and the loop carries on.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "batch_size", r.cfg.BatchSize, "poll_interval", r.cfg.PollInterval.String())
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay cycle failed", "err", err)
		}

		t := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			r.logger.Info("outbox relay stopped")
			return nil
		case <-t.C:
		}
	}
}

// CycleResult summarizes one poll.
type CycleResult struct {
	Selected  int
	Published int
	Failed    int
}

// RunOnce selects one batch, publishes each row and persists all outcomes in
// a single write. Rows not attempted because ctx ended stay pending.
func (r *Relay) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	rows, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Selected = len(rows)
	r.metrics.BatchSize(len(rows))
	if len(rows) == 0 {
		return res, nil
	}

	outcomes := make([]Outcome, 0, len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		msgCtx := otelx.ContextWithTraceContext(ctx, row.Traceparent, row.Tracestate)
		err := r.publisher.Publish(msgCtx, broker.Message{
			ID:          row.ID.String(),
			Type:        row.Type,
			AggregateID: row.AggregateID.String(),
			Body:        row.Payload,
		})
		if err != nil {
			res.Failed++
			r.metrics.PublishFailed(row.Type)
			r.logger.Error("outbox publish failed", "outbox_id", row.ID.String(), "type", row.Type, "err", err)
			outcomes = append(outcomes, Outcome{ID: row.ID, Err: err.Error()})
			continue
		}
		res.Published++
		r.metrics.Published(row.Type)
		outcomes = append(outcomes, Outcome{ID: row.ID, ProcessedAt: r.now().UTC()})
	}

	// Outcomes of publishes already sent are saved even during shutdown.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.SaveOutcomes(saveCtx, outcomes); err != nil {
		return res, err
	}
	if res.Published > 0 || res.Failed > 0 {
		r.logger.Debug("outbox batch relayed", "published", res.Published, "failed", res.Failed)
	}
	return res, nil
}
