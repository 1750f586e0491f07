package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/domain"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func wire(t *testing.T, env events.Envelope) (string, []byte) {
	t.Helper()
	body, err := json.Marshal(env.Payload)
	require.NoError(t, err)
	return string(env.Kind), body
}

func apply(t *testing.T, s *InMemoryStore, env events.Envelope) {
	t.Helper()
	typ, body := wire(t, env)
	m, err := Project(typ, body)
	require.NoError(t, err)
	require.NoError(t, s.Apply(context.Background(), m))
}

func TestProjectRegistered(t *testing.T) {
	id := uuid.New()
	m, err := Project(wire(t, events.NewRegistered(id, "ann", "ann@example.com", t0)))
	require.NoError(t, err)

	assert.Equal(t, OpUpsert, m.Op)
	assert.Equal(t, id.String(), m.ID)
	assert.Equal(t, &Profile{Username: "ann", Email: "ann@example.com"}, m.Profile)
	assert.Equal(t, t0, m.ProfileAt)
	assert.Equal(t, []string{domain.DefaultRole}, m.AddRoles)
	assert.Equal(t, t0, m.CreatedAt)
	assert.Equal(t, t0, m.UpdatedAt)
}

func TestProjectUnknownKindIsIgnored(t *testing.T) {
	m, err := Project("user.archived", []byte(`{"whatever":true}`))
	require.NoError(t, err)
	assert.Equal(t, OpNone, m.Op)
	require.NoError(t, NewInMemoryStore().Apply(context.Background(), m))
}

func TestProjectRejectsBrokenPayloads(t *testing.T) {
	_, err := Project(string(events.KindUpdated), []byte(`not json`))
	assert.Error(t, err)

	_, err = Project(string(events.KindDeleted), []byte(`{}`))
	assert.ErrorContains(t, err, "missing user_id")

	_, err = Project(string(events.KindRoleAssigned), []byte(fmt.Sprintf(`{"user_id":%q}`, uuid.New())))
	assert.ErrorContains(t, err, "empty role")
}

func TestReplayingEventsIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	id := uuid.New()
	history := []events.Envelope{
		events.NewRegistered(id, "bea", "bea@example.com", t0),
		events.NewRoleAssigned(id, domain.DefaultRole, t0),
		events.NewRoleAssigned(id, "Admin", t0.Add(time.Minute)),
		events.NewUpdated(id, "beatrice", "bea@example.com", t0.Add(2*time.Minute)),
	}
	for _, e := range history {
		apply(t, s, e)
	}
	first, err := s.FindByID(context.Background(), id.String())
	require.NoError(t, err)

	for _, e := range history {
		apply(t, s, e)
	}
	second, err := s.FindByID(context.Background(), id.String())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{domain.DefaultRole, "Admin"}, second.Roles)
	assert.Equal(t, "beatrice", second.Username)
	assert.Equal(t, t0, second.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Minute), second.UpdatedAt)
}

func TestRoleBeforeRegisteredConverges(t *testing.T) {
	s := NewInMemoryStore()
	id := uuid.New()

	apply(t, s, events.NewRoleAssigned(id, "Auditor", t0.Add(time.Minute)))
	_, err := s.FindByID(context.Background(), id.String())
	assert.ErrorIs(t, err, ErrNotFound)

	apply(t, s, events.NewRegistered(id, "cid", "cid@example.com", t0))
	doc, err := s.FindByID(context.Background(), id.String())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Auditor", domain.DefaultRole}, doc.Roles)
	assert.Equal(t, "cid", doc.Username)
	assert.Equal(t, t0, doc.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), doc.UpdatedAt)
}

func TestUpdateBeforeRegisteredKeepsNewerProfile(t *testing.T) {
	s := NewInMemoryStore()
	id := uuid.New()

	apply(t, s, events.NewUpdated(id, "dora-new", "new@example.com", t0.Add(time.Hour)))
	apply(t, s, events.NewRegistered(id, "dora", "old@example.com", t0))

	doc, err := s.FindByID(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, "dora-new", doc.Username)
	assert.Equal(t, "new@example.com", doc.Email)
	assert.Equal(t, t0.Add(time.Hour), doc.UpdatedAt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	id := uuid.New()
	apply(t, s, events.NewRegistered(id, "eve", "eve@example.com", t0))
	apply(t, s, events.NewDeleted(id, t0.Add(time.Minute)))
	apply(t, s, events.NewDeleted(id, t0.Add(time.Minute)))

	_, ok := s.Raw(id.String())
	assert.False(t, ok)
}

func TestListKeysetPagination(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		apply(t, s, events.NewRegistered(uuid.New(), fmt.Sprintf("u%d", i), fmt.Sprintf("u%d@x", i), t0.Add(time.Duration(i)*time.Second)))
	}
	// same created_at, ordered by id
	apply(t, s, events.NewRegistered(uuid.New(), "tie", "tie@x", t0))

	first, err := s.List(ctx, Page{Size: 4})
	require.NoError(t, err)
	require.Len(t, first, 4)

	last := first[len(first)-1]
	rest, err := s.List(ctx, Page{AfterCreatedAt: last.CreatedAt, AfterID: last.ID, Size: 4})
	require.NoError(t, err)
	require.Len(t, rest, 2)

	seen := map[string]bool{}
	for _, d := range append(first, rest...) {
		assert.False(t, seen[d.ID])
		seen[d.ID] = true
	}
	assert.Len(t, seen, 6)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, 1, ClampPageSize(-5))
	assert.Equal(t, MaxPageSize, ClampPageSize(1000))
	assert.Equal(t, 17, ClampPageSize(17))
}

func TestRoleBeforeRegisteredKeepsRegisteredProfile(t *testing.T) {
	s := NewInMemoryStore()
	id := uuid.New()

	apply(t, s, events.NewRoleAssigned(id, "Admin", t0.Add(time.Minute)))
	apply(t, s, events.NewRoleAssigned(id, "Admin", t0.Add(2*time.Minute)))
	apply(t, s, events.NewRegistered(id, "gus", "gus@example.com", t0))

	doc, err := s.FindByID(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, "gus", doc.Username)
	assert.Equal(t, "gus@example.com", doc.Email)
	assert.ElementsMatch(t, []string{"Admin", domain.DefaultRole}, doc.Roles)
	assert.Equal(t, t0.Add(2*time.Minute), doc.UpdatedAt)
}

func TestUpdatesConvergeToNewestProfile(t *testing.T) {
	id := uuid.New()
	reg := events.NewRegistered(id, "hal", "hal@example.com", t0)
	older := events.NewUpdated(id, "hal-1", "one@example.com", t0.Add(time.Minute))
	newer := events.NewUpdated(id, "hal-2", "two@example.com", t0.Add(2*time.Minute))

	orders := [][]events.Envelope{
		{reg, older, newer},
		{reg, newer, older},
		{newer, older, reg},
		{older, reg, newer},
	}
	for i, order := range orders {
		s := NewInMemoryStore()
		for _, e := range order {
			apply(t, s, e)
		}
		doc, err := s.FindByID(context.Background(), id.String())
		require.NoError(t, err, "order %d", i)
		assert.Equal(t, "hal-2", doc.Username, "order %d", i)
		assert.Equal(t, "two@example.com", doc.Email, "order %d", i)
		assert.Equal(t, t0, doc.CreatedAt, "order %d", i)
		assert.Equal(t, t0.Add(2*time.Minute), doc.ProfileAt, "order %d", i)
	}
}

func setFields(t *testing.T, p mongo.Pipeline) bson.D {
	t.Helper()
	require.Len(t, p, 1)
	require.Len(t, p[0], 1)
	require.Equal(t, "$set", p[0][0].Key)
	set, ok := p[0][0].Value.(bson.D)
	require.True(t, ok)
	return set
}

func fieldNames(d bson.D) []string {
	out := make([]string, 0, len(d))
	for _, e := range d {
		out = append(out, e.Key)
	}
	return out
}

func TestUpsertPipelineRegistered(t *testing.T) {
	m, err := Project(wire(t, events.NewRegistered(uuid.New(), "$f", "f@x", t0)))
	require.NoError(t, err)

	set := setFields(t, upsertPipeline(m))
	assert.Equal(t, []string{"username", "email", "profile_at", "created_at", "updated_at", "roles"}, fieldNames(set))

	username := set.Map()["username"].(bson.D)
	require.Equal(t, "$cond", username[0].Key)
	args := username[0].Value.(bson.A)
	require.Len(t, args, 3)
	// user input is never read as a field path
	assert.Equal(t, bson.D{{Key: "$literal", Value: "$f"}}, args[1])
	assert.Equal(t, "$username", args[2])

	assert.Equal(t, bson.D{{Key: "$min", Value: bson.A{"$created_at", t0}}}, set.Map()["created_at"])
	assert.Equal(t, bson.D{{Key: "$max", Value: bson.A{"$updated_at", t0}}}, set.Map()["updated_at"])
}

func TestUpsertPipelineRoleLeavesProfileAlone(t *testing.T) {
	m, err := Project(wire(t, events.NewRoleAssigned(uuid.New(), "Admin", t0)))
	require.NoError(t, err)

	set := setFields(t, upsertPipeline(m))
	assert.Equal(t, []string{"updated_at", "roles"}, fieldNames(set))
}
