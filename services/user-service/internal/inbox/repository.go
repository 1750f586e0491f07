// Package inbox records consumed message ids so redeliveries become no-ops.
package inbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inbox_messages WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("inbox lookup: %w", err)
	}
	return exists, nil
}

// Record inserts the id. It reports false when the id was already present,
// which happens when two deliveries of one message race.
func (r *Repository) Record(ctx context.Context, id uuid.UUID, messageType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_messages (id, type, processed_at)
		VALUES ($1, $2, now())
	`, id, messageType)
	if err == nil {
		return true, nil
	}
	if _, dup := db.IsUniqueViolation(err); dup {
		return false, nil
	}
	return false, fmt.Errorf("inbox record: %w", err)
}
