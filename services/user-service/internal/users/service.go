// Package users is the application layer: commands go through the
// transactional write boundary, queries are served from the read model.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/cache"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/domain"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/projection"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already exists")
	ErrEmailTaken    = errors.New("email already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

const DefaultCacheTTL = 5 * time.Minute

type UserStore interface {
	Insert(ctx context.Context, tx pgx.Tx, u domain.User) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.User, error)
	Update(ctx context.Context, tx pgx.Tx, u domain.User) error
	Delete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type Transactor interface {
	Do(ctx context.Context, fn storage.TxFunc) error
}

// User is the API representation.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ListInput struct {
	AfterCreatedAt time.Time
	AfterID        string
	PageSize       int
}

type Config struct {
	CacheTTL   time.Duration
	BcryptCost int
}

type Service struct {
	tx     Transactor
	users  UserStore
	reads  projection.Reader
	cache  cache.Cache
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

func NewService(tx Transactor, userStore UserStore, reads projection.Reader, c cache.Cache, logger *slog.Logger, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{tx: tx, users: userStore, reads: reads, cache: c, logger: logger, cfg: cfg, now: time.Now}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	if strings.TrimSpace(in.Password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u, evts, err := domain.Register(uuid.New(), in.Username, in.Email, string(hash), s.now())
	if err != nil {
		return User{}, translate(err)
	}
	err = s.tx.Do(ctx, func(ctx context.Context, tx pgx.Tx) ([]events.Envelope, error) {
		return evts, s.users.Insert(ctx, tx, u)
	})
	if err != nil {
		return User{}, translate(err)
	}
	s.logger.Info("user registered", "user_id", u.ID.String())
	return fromDomain(u), nil
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (User, error) {
	return s.mutate(ctx, id, func(u domain.User) (domain.User, []events.Envelope, error) {
		return u.Update(in.Username, in.Email, s.now())
	})
}

func (s *Service) AssignRole(ctx context.Context, id, role string) (User, error) {
	return s.mutate(ctx, id, func(u domain.User) (domain.User, []events.Envelope, error) {
		return u.AssignRole(role, s.now())
	})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	err = s.tx.Do(ctx, func(ctx context.Context, tx pgx.Tx) ([]events.Envelope, error) {
		u, err := s.users.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return nil, err
		}
		return u.Delete(s.now()), s.users.Delete(ctx, tx, uid)
	})
	if err != nil {
		return translate(err)
	}
	s.invalidate(ctx, uid.String())
	s.logger.Info("user deleted", "user_id", uid.String())
	return nil
}

// mutate loads the user under a row lock, applies op and saves the result
// with its events in one transaction.
func (s *Service) mutate(ctx context.Context, id string, op func(domain.User) (domain.User, []events.Envelope, error)) (User, error) {
	uid, err := parseID(id)
	if err != nil {
		return User{}, err
	}
	var saved domain.User
	err = s.tx.Do(ctx, func(ctx context.Context, tx pgx.Tx) ([]events.Envelope, error) {
		cur, err := s.users.GetForUpdate(ctx, tx, uid)
		if err != nil {
			return nil, err
		}
		next, evts, err := op(cur)
		if err != nil {
			return nil, err
		}
		if err := s.users.Update(ctx, tx, next); err != nil {
			return nil, err
		}
		saved = next
		return evts, nil
	})
	if err != nil {
		return User{}, translate(err)
	}
	s.invalidate(ctx, uid.String())
	return fromDomain(saved), nil
}

// Get serves from the cache, falling back to the read model.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	uid, err := parseID(id)
	if err != nil {
		return User{}, err
	}
	key := cache.UserKey(uid.String())

	if b, err := s.cache.Get(ctx, key); err == nil {
		var u User
		if jerr := json.Unmarshal(b, &u); jerr == nil {
			return u, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("cache get failed", "key", key, "err", err)
	}

	doc, err := s.reads.FindByID(ctx, uid.String())
	if errors.Is(err, projection.ErrNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u := fromDocument(doc)
	if b, err := json.Marshal(u); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("cache set failed", "key", key, "err", err)
		}
	}
	return u, nil
}

func (s *Service) List(ctx context.Context, in ListInput) ([]User, error) {
	docs, err := s.reads.List(ctx, projection.Page{
		AfterCreatedAt: in.AfterCreatedAt,
		AfterID:        in.AfterID,
		Size:           projection.ClampPageSize(in.PageSize),
	})
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(d))
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, cache.UserKey(id)); err != nil {
		s.logger.Warn("cache invalidation failed", "user_id", id, "err", err)
	}
}

func parseID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id", ErrInvalidInput)
	}
	return uid, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrUsernameTaken):
		return ErrUsernameTaken
	case errors.Is(err, storage.ErrEmailTaken):
		return ErrEmailTaken
	case errors.Is(err, domain.ErrInvalid):
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.TrimPrefix(err.Error(), domain.ErrInvalid.Error()+": "))
	}
	return err
}

func fromDomain(u domain.User) User {
	roles := append([]string{}, u.Roles...)
	return User{
		ID:        u.ID.String(),
		Username:  u.Username,
		Email:     u.Email,
		Roles:     roles,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func fromDocument(d projection.Document) User {
	roles := append([]string{}, d.Roles...)
	return User{
		ID:        d.ID,
		Username:  d.Username,
		Email:     d.Email,
		Roles:     roles,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}
