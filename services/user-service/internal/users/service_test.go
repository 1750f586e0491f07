package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/cache"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/domain"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/outbox"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/projection"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeTx commits the events of fn only when fn succeeds.
type fakeTx struct {
	committed []events.Envelope
}

func (f *fakeTx) Do(ctx context.Context, fn storage.TxFunc) error {
	evts, err := fn(ctx, nil)
	if err != nil {
		return err
	}
	f.committed = append(f.committed, evts...)
	return nil
}

type fakeUsers struct {
	rows map[uuid.UUID]domain.User
}

func newFakeUsers() *fakeUsers { return &fakeUsers{rows: map[uuid.UUID]domain.User{}} }

func (f *fakeUsers) Insert(_ context.Context, _ pgx.Tx, u domain.User) error {
	for _, r := range f.rows {
		if r.Username == u.Username {
			return storage.ErrUsernameTaken
		}
		if r.Email == u.Email {
			return storage.ErrEmailTaken
		}
	}
	f.rows[u.ID] = u
	return nil
}

func (f *fakeUsers) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (domain.User, error) {
	u, ok := f.rows[id]
	if !ok {
		return domain.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) Update(_ context.Context, _ pgx.Tx, u domain.User) error {
	f.rows[u.ID] = u
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}

type countingReader struct {
	projection.Reader
	finds int
}

func (r *countingReader) FindByID(ctx context.Context, id string) (projection.Document, error) {
	r.finds++
	return r.Reader.FindByID(ctx, id)
}

type fixture struct {
	svc   *Service
	tx    *fakeTx
	users *fakeUsers
	reads *projection.InMemoryStore
	cache *cache.Memory
}

func newFixture() *fixture {
	f := &fixture{
		tx:    &fakeTx{},
		users: newFakeUsers(),
		reads: projection.NewInMemoryStore(),
		cache: cache.NewMemory(time.Minute),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.tx, f.users, f.reads, f.cache, logger, Config{BcryptCost: bcrypt.MinCost})
	f.svc.now = func() time.Time { return t0 }
	return f
}

func (f *fixture) project(t *testing.T) {
	t.Helper()
	for _, env := range f.tx.committed {
		_, body, err := outbox.Encode(env)
		require.NoError(t, err)
		m, err := projection.Project(string(env.Kind), body)
		require.NoError(t, err)
		require.NoError(t, f.reads.Apply(context.Background(), m))
	}
	f.tx.committed = nil
}

func TestRegisterHashesPasswordAndEmitsEvents(t *testing.T) {
	f := newFixture()
	u, err := f.svc.Register(context.Background(), RegisterInput{Username: "ada", Email: "ada@example.com", Password: "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, []string{domain.DefaultRole}, u.Roles)
	stored := f.users.rows[uuid.MustParse(u.ID)]
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("s3cret")))

	require.Len(t, f.tx.committed, 2)
	assert.Equal(t, events.KindRegistered, f.tx.committed[0].Kind)
	assert.Equal(t, events.KindRoleAssigned, f.tx.committed[1].Kind)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture()
	cases := []RegisterInput{
		{Username: "", Email: "a@b.c", Password: "x"},
		{Username: "a", Email: "nope", Password: "x"},
		{Username: "a", Email: "a@b.c", Password: " "},
	}
	for _, in := range cases {
		_, err := f.svc.Register(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", in)
	}
	assert.Empty(t, f.tx.committed)
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Register(context.Background(), RegisterInput{Username: "bob", Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	f.tx.committed = nil

	_, err = f.svc.Register(context.Background(), RegisterInput{Username: "bob", Email: "other@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = f.svc.Register(context.Background(), RegisterInput{Username: "bobby", Email: "bob@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.Empty(t, f.tx.committed)
}

func TestCommandsOnMissingUser(t *testing.T) {
	f := newFixture()
	id := uuid.NewString()

	_, err := f.svc.Update(context.Background(), id, UpdateInput{Username: "x", Email: "x@y.z"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.AssignRole(context.Background(), id, "Admin")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), id), ErrNotFound)

	_, err = f.svc.Update(context.Background(), "not-a-uuid", UpdateInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAssignRoleIsCaseInsensitive(t *testing.T) {
	f := newFixture()
	u, err := f.svc.Register(context.Background(), RegisterInput{Username: "cy", Email: "cy@example.com", Password: "pw"})
	require.NoError(t, err)

	u, err = f.svc.AssignRole(context.Background(), u.ID, "Admin")
	require.NoError(t, err)
	u, err = f.svc.AssignRole(context.Background(), u.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"User", "Admin"}, u.Roles)
}

func TestGetReadsProjectionThroughCache(t *testing.T) {
	f := newFixture()
	reader := &countingReader{Reader: f.reads}
	f.svc.reads = reader

	u, err := f.svc.Register(context.Background(), RegisterInput{Username: "dee", Email: "dee@example.com", Password: "pw"})
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), u.ID)
	assert.ErrorIs(t, err, ErrNotFound, "not projected yet")

	f.project(t)
	got, err := f.svc.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "dee", got.Username)
	assert.Equal(t, []string{"User"}, got.Roles)

	_, err = f.svc.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.finds, "second read is a cache hit")

	_, err = f.svc.Update(context.Background(), u.ID, UpdateInput{Username: "dee2", Email: "dee@example.com"})
	require.NoError(t, err)
	_, err = f.cache.Get(context.Background(), cache.UserKey(u.ID))
	assert.ErrorIs(t, err, cache.ErrNotFound, "update evicts")
}

func TestListClampsPageSize(t *testing.T) {
	f := newFixture()
	for _, name := range []string{"e1", "e2", "e3"} {
		_, err := f.svc.Register(context.Background(), RegisterInput{Username: name, Email: name + "@example.com", Password: "pw"})
		require.NoError(t, err)
		f.svc.now = func() time.Time { return t0.Add(time.Duration(len(f.users.rows)) * time.Second) }
	}
	f.project(t)

	all, err := f.svc.List(context.Background(), ListInput{PageSize: 10_000})
	require.NoError(t, err)
	require.Len(t, all, 3)

	first, err := f.svc.List(context.Background(), ListInput{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	last := first[len(first)-1]
	rest, err := f.svc.List(context.Background(), ListInput{AfterCreatedAt: last.CreatedAt, AfterID: last.ID, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, all[2].ID, rest[0].ID)
}

func TestDeleteRemovesFromReadModel(t *testing.T) {
	f := newFixture()
	u, err := f.svc.Register(context.Background(), RegisterInput{Username: "fin", Email: "fin@example.com", Password: "pw"})
	require.NoError(t, err)
	f.project(t)

	require.NoError(t, f.svc.Delete(context.Background(), u.ID))
	require.Len(t, f.tx.committed, 1)
	assert.Equal(t, events.KindDeleted, f.tx.committed[0].Kind)
	f.project(t)

	_, err = f.svc.Get(context.Background(), u.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
