// Package storage is the transactional write boundary: aggregate rows and
// their outbox rows commit together or not at all.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userhub/libs/db"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/outbox"
)

// TxFunc persists aggregate state inside tx and returns the events to publish.
type TxFunc func(ctx context.Context, tx pgx.Tx) ([]events.Envelope, error)

type UnitOfWork struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewUnitOfWork(pool *db.Pool, outboxRepo *outbox.Repository) *UnitOfWork {
	return &UnitOfWork{pool: pool, outbox: outboxRepo}
}

// Do runs fn and appends its events to the outbox in the same transaction.
// If fn or the append fails nothing is committed.
func (u *UnitOfWork) Do(ctx context.Context, fn TxFunc) error {
	return u.pool.InTx(ctx, func(tx pgx.Tx) error {
		evts, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		_, err = u.outbox.Append(ctx, tx, evts...)
		return err
	})
}
