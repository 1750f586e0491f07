// Package projection maintains the users read model. Project turns an event
// into a Mutation; a Store applies mutations. Every mutation is idempotent
// and the set of mutations for one user commutes, so duplicate and
// out-of-order deliveries converge.
package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/domain"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
)

type Op int

const (
	OpNone Op = iota
	OpUpsert
	OpDelete
)

type Profile struct {
	Username string
	Email    string
}

// Mutation describes a change to one read document.
type Mutation struct {
	Op Op
	ID string
	// Profile replaces username and email unless the document already holds
	// a profile stamped later than ProfileAt.
	Profile   *Profile
	ProfileAt time.Time
	// CreatedAt, when set, lowers created_at to this value.
	CreatedAt time.Time
	AddRoles  []string
	// UpdatedAt raises updated_at to this value.
	UpdatedAt time.Time
}

// Project maps an event type and its JSON payload to a mutation. Unknown
// types yield OpNone so new event kinds never break the consumer.
func Project(eventType string, payload []byte) (Mutation, error) {
	switch events.Kind(eventType) {
	case events.KindRegistered:
		var e events.Registered
		if err := decode(eventType, payload, &e); err != nil {
			return Mutation{}, err
		}
		if err := requireID(eventType, e.UserID); err != nil {
			return Mutation{}, err
		}
		return Mutation{
			Op:        OpUpsert,
			ID:        e.UserID.String(),
			Profile:   &Profile{Username: e.Username, Email: e.Email},
			ProfileAt: e.OccurredAt.UTC(),
			CreatedAt: e.OccurredAt.UTC(),
			AddRoles:  []string{domain.DefaultRole},
			UpdatedAt: e.OccurredAt.UTC(),
		}, nil

	case events.KindUpdated:
		var e events.Updated
		if err := decode(eventType, payload, &e); err != nil {
			return Mutation{}, err
		}
		if err := requireID(eventType, e.UserID); err != nil {
			return Mutation{}, err
		}
		return Mutation{
			Op:        OpUpsert,
			ID:        e.UserID.String(),
			Profile:   &Profile{Username: e.Username, Email: e.Email},
			ProfileAt: e.OccurredAt.UTC(),
			UpdatedAt: e.OccurredAt.UTC(),
		}, nil

	case events.KindRoleAssigned:
		var e events.RoleAssigned
		if err := decode(eventType, payload, &e); err != nil {
			return Mutation{}, err
		}
		if err := requireID(eventType, e.UserID); err != nil {
			return Mutation{}, err
		}
		if e.Role == "" {
			return Mutation{}, fmt.Errorf("project %s: empty role", eventType)
		}
		return Mutation{
			Op:        OpUpsert,
			ID:        e.UserID.String(),
			AddRoles:  []string{e.Role},
			UpdatedAt: e.OccurredAt.UTC(),
		}, nil

	case events.KindDeleted:
		var e events.Deleted
		if err := decode(eventType, payload, &e); err != nil {
			return Mutation{}, err
		}
		if err := requireID(eventType, e.UserID); err != nil {
			return Mutation{}, err
		}
		return Mutation{Op: OpDelete, ID: e.UserID.String()}, nil
	}
	return Mutation{Op: OpNone}, nil
}

func decode(eventType string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("project %s: %w", eventType, err)
	}
	return nil
}

func requireID(eventType string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("project %s: missing user_id", eventType)
	}
	return nil
}
