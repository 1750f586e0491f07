// Package events defines the domain events a user aggregate emits. Events are
// plain values: aggregate operations return them, the write boundary stores
// them in the outbox and the projector reads them back off the broker.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the stable event type string. It is stored in the outbox, used as
// the broker routing key and selects the projection.
type Kind string

const (
	KindRegistered   Kind = "user.registered"
	KindUpdated      Kind = "user.updated"
	KindRoleAssigned Kind = "user.role_assigned"
	KindDeleted      Kind = "user.deleted"
)

// Known reports whether k is one of the kinds this service emits.
func (k Kind) Known() bool {
	switch k {
	case KindRegistered, KindUpdated, KindRoleAssigned, KindDeleted:
		return true
	}
	return false
}

// Envelope is an immutable record of one domain occurrence.
type Envelope struct {
	Kind        Kind      `json:"kind"`
	AggregateID uuid.UUID `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload,omitempty"`
}

type Registered struct {
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Updated struct {
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

type RoleAssigned struct {
	UserID     uuid.UUID `json:"user_id"`
	Role       string    `json:"role"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Deleted struct {
	UserID     uuid.UUID `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewRegistered(id uuid.UUID, username, email string, at time.Time) Envelope {
	return Envelope{Kind: KindRegistered, AggregateID: id, OccurredAt: at,
		Payload: Registered{UserID: id, Username: username, Email: email, OccurredAt: at}}
}

func NewUpdated(id uuid.UUID, username, email string, at time.Time) Envelope {
	return Envelope{Kind: KindUpdated, AggregateID: id, OccurredAt: at,
		Payload: Updated{UserID: id, Username: username, Email: email, OccurredAt: at}}
}

func NewRoleAssigned(id uuid.UUID, role string, at time.Time) Envelope {
	return Envelope{Kind: KindRoleAssigned, AggregateID: id, OccurredAt: at,
		Payload: RoleAssigned{UserID: id, Role: role, OccurredAt: at}}
}

func NewDeleted(id uuid.UUID, at time.Time) Envelope {
	return Envelope{Kind: KindDeleted, AggregateID: id, OccurredAt: at,
		Payload: Deleted{UserID: id, OccurredAt: at}}
}
