package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userhub/libs/db"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/domain"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already exists")
	ErrEmailTaken    = errors.New("email already exists")
)

const (
	usernameConstraint = "users_username_key"
	emailConstraint    = "users_email_key"
)

// UserRepository persists the write side of the user aggregate. Every
// method runs inside a caller-owned transaction.
type UserRepository struct{}

func NewUserRepository() *UserRepository {
	return &UserRepository{}
}

func (r *UserRepository) Insert(ctx context.Context, tx pgx.Tx, u domain.User) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return r.insertRoles(ctx, tx, u.ID, u.Roles)
}

// GetForUpdate loads the user and locks its row until the transaction ends.
func (r *UserRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.User, error) {
	var u domain.User
	err := tx.QueryRow(ctx, `
		SELECT id, username, email, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if db.IsNotFound(err) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}

	rows, err := tx.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, id)
	if err != nil {
		return domain.User{}, err
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.User{}, err
	}
	u.Roles = roles
	return u, nil
}

// Update writes the mutable fields and adds any new roles.
func (r *UserRepository) Update(ctx context.Context, tx pgx.Tx, u domain.User) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET username = $2, email = $3, updated_at = $4
		WHERE id = $1
	`, u.ID, u.Username, u.Email, u.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return r.insertRoles(ctx, tx, u.ID, u.Roles)
}

func (r *UserRepository) Delete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) insertRoles(ctx context.Context, tx pgx.Tx, id uuid.UUID, roles []string) error {
	if len(roles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, role := range roles {
		batch.Queue(`
			INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, role)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert roles: %w", mapWriteError(err))
	}
	return nil
}

func mapWriteError(err error) error {
	if db.IsValueTooLong(err) {
		return fmt.Errorf("%w: value too long", domain.ErrInvalid)
	}
	constraint, ok := db.IsUniqueViolation(err)
	if !ok {
		return err
	}
	switch constraint {
	case usernameConstraint:
		return ErrUsernameTaken
	case emailConstraint:
		return ErrEmailTaken
	}
	return err
}
