// Package domain holds the user aggregate. Every operation is pure: it
// returns the new state together with the events describing the change and
// never touches storage.
package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
)

// DefaultRole is granted to every newly registered user.
const DefaultRole = "User"

var ErrInvalid = errors.New("invalid user")

type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Register creates a user holding DefaultRole. It emits user.registered
// followed by user.role_assigned for the default role.
func Register(id uuid.UUID, username, email, passwordHash string, now time.Time) (User, []events.Envelope, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if id == uuid.Nil {
		return User{}, nil, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if err := validateProfile(username, email); err != nil {
		return User{}, nil, err
	}
	if passwordHash == "" {
		return User{}, nil, fmt.Errorf("%w: password hash is required", ErrInvalid)
	}

	now = now.UTC()
	u := User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	evts := []events.Envelope{events.NewRegistered(id, username, email, now)}

	u, roleEvts, err := u.AssignRole(DefaultRole, now)
	if err != nil {
		return User{}, nil, err
	}
	return u, append(evts, roleEvts...), nil
}

// Update replaces the username and email.
func (u User) Update(username, email string, now time.Time) (User, []events.Envelope, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := validateProfile(username, email); err != nil {
		return u, nil, err
	}

	now = now.UTC()
	next := u.clone()
	next.Username = username
	next.Email = email
	next.UpdatedAt = now
	return next, []events.Envelope{events.NewUpdated(u.ID, username, email, now)}, nil
}

// AssignRole adds role to the user's role set. Roles compare case-insensitively,
// so assigning an existing role leaves the set unchanged. The event is emitted
// either way, carrying the stored spelling; the projection applies it with
// add-to-set semantics.
func (u User) AssignRole(role string, now time.Time) (User, []events.Envelope, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return u, nil, fmt.Errorf("%w: role is required", ErrInvalid)
	}

	now = now.UTC()
	next := u.clone()
	if existing, ok := next.findRole(role); ok {
		role = existing
	} else {
		next.Roles = append(next.Roles, role)
	}
	next.UpdatedAt = now
	return next, []events.Envelope{events.NewRoleAssigned(u.ID, role, now)}, nil
}

// Delete returns the event that retires the aggregate.
func (u User) Delete(now time.Time) []events.Envelope {
	return []events.Envelope{events.NewDeleted(u.ID, now.UTC())}
}

func (u User) HasRole(role string) bool {
	_, ok := u.findRole(role)
	return ok
}

// findRole returns the stored spelling of role.
func (u User) findRole(role string) (string, bool) {
	i := slices.IndexFunc(u.Roles, func(r string) bool {
		return strings.EqualFold(r, role)
	})
	if i < 0 {
		return "", false
	}
	return u.Roles[i], true
}

func (u User) clone() User {
	u.Roles = slices.Clone(u.Roles)
	return u
}

func validateProfile(username, email string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalid)
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: email is malformed", ErrInvalid)
	}
	return nil
}
