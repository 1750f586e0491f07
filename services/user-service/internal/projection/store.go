package projection

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("read model: user not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Document is the denormalized user view.
type Document struct {
	ID        string    `bson:"_id" json:"id"`
	Username  string    `bson:"username" json:"username"`
	Email     string    `bson:"email" json:"email"`
	Roles     []string  `bson:"roles" json:"roles"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	// ProfileAt stamps the event that last wrote username and email.
	ProfileAt time.Time `bson:"profile_at,omitempty" json:"-"`
}

// Page is a keyset cursor over (created_at, id). The zero Page starts at the
// beginning.
type Page struct {
	AfterCreatedAt time.Time
	AfterID        string
	Size           int
}

func (p Page) hasCursor() bool {
	return !p.AfterCreatedAt.IsZero() && p.AfterID != ""
}

// ClampPageSize maps n into 1..MaxPageSize, with 0 meaning DefaultPageSize.
func ClampPageSize(n int) int {
	switch {
	case n == 0:
		return DefaultPageSize
	case n < 1:
		return 1
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// Store applies projector mutations. Nothing else writes the read model.
type Store interface {
	Apply(ctx context.Context, m Mutation) error
}

// Reader serves queries. Documents that have not yet seen their
// user.registered event are not visible.
type Reader interface {
	FindByID(ctx context.Context, id string) (Document, error)
	List(ctx context.Context, page Page) ([]Document, error)
}
