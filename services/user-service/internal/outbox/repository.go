package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userhub/libs/db"
	otelx "github.com/md-rashed-zaman/userhub/libs/otel"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
)

// Row is one outbox_events record.
type Row struct {
	ID          uuid.UUID
	Seq         int64
	AggregateID uuid.UUID
	Type        string
	Payload     []byte
	OccurredAt  time.Time
	ProcessedAt *time.Time
	Error       *string
	Traceparent string
	Tracestate  string
}

// Outcome is the relay's verdict for one row. A zero ProcessedAt means the
// publish failed and Err holds the reason.
type Outcome struct {
	ID          uuid.UUID
	ProcessedAt time.Time
	Err         string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes one row per envelope inside tx. Each row gets a fresh id,
// which becomes the message id consumers de-duplicate on.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, envs ...events.Envelope) ([]uuid.UUID, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)

	batch := &pgx.Batch{}
	ids := make([]uuid.UUID, 0, len(envs))
	for _, env := range envs {
		typ, payload, err := Encode(env)
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		ids = append(ids, id)
		batch.Queue(`
			INSERT INTO outbox_events (id, aggregate_id, type, payload, occurred_at, traceparent, tracestate)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, env.AggregateID, typ, string(payload), env.OccurredAt.UTC(), traceparent, tracestate)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("append outbox: %w", err)
	}
	return ids, nil
}

// FetchPending returns up to limit unprocessed rows, oldest first. Rows are
// not locked: two relays reading concurrently will see the same rows.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]Row, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, aggregate_id, type, payload, occurred_at, processed_at, error, traceparent, tracestate
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY occurred_at, seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row     Row
			payload string
		)
		if err := rows.Scan(&row.ID, &row.Seq, &row.AggregateID, &row.Type, &payload, &row.OccurredAt,
			&row.ProcessedAt, &row.Error, &row.Traceparent, &row.Tracestate); err != nil {
			return nil, err
		}
		row.Payload = []byte(payload)
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// SaveOutcomes persists a whole batch of relay results in one transaction.
func (r *Repository) SaveOutcomes(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, o := range outcomes {
			if o.ProcessedAt.IsZero() {
				batch.Queue(`UPDATE outbox_events SET error = $2 WHERE id = $1 AND processed_at IS NULL`, o.ID, o.Err)
				continue
			}
			batch.Queue(`UPDATE outbox_events SET processed_at = $2, error = NULL WHERE id = $1`, o.ID, o.ProcessedAt.UTC())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Get loads one row by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	var (
		row     Row
		payload string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, seq, aggregate_id, type, payload, occurred_at, processed_at, error, traceparent, tracestate
		FROM outbox_events
		WHERE id = $1
	`, id).Scan(&row.ID, &row.Seq, &row.AggregateID, &row.Type, &payload, &row.OccurredAt,
		&row.ProcessedAt, &row.Error, &row.Traceparent, &row.Tracestate)
	if err != nil {
		return Row{}, err
	}
	row.Payload = []byte(payload)
	return row, nil
}
