package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/broker"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0         = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
)

// retrying wraps the in-memory broker with the production retry policy.
type retrying struct {
	mem    *broker.Memory
	policy broker.RetryPolicy
}

func (r retrying) Publish(ctx context.Context, msg broker.Message) error {
	return r.policy.Do(ctx, func(ctx context.Context) error { return r.mem.Publish(ctx, msg) })
}

func newRetrying() retrying {
	return retrying{mem: broker.NewMemory(""), policy: broker.RetryPolicy{Attempts: 3, Step: time.Millisecond}}
}

func TestEncodeKnownKind(t *testing.T) {
	id := uuid.New()
	typ, body, err := Encode(events.NewRoleAssigned(id, "Admin", t0))
	require.NoError(t, err)
	assert.Equal(t, "user.role_assigned", typ)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, id.String(), got["user_id"])
	assert.Equal(t, "Admin", got["role"])
}

func TestEncodeUnknownKindWrapsEnvelope(t *testing.T) {
	id := uuid.New()
	env := events.Envelope{Kind: "user.archived", AggregateID: id, OccurredAt: t0, Payload: map[string]string{"why": "test"}}
	typ, body, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, "user.archived", typ)

	var got map[string]events.Envelope
	require.NoError(t, json.Unmarshal(body, &got))
	require.Contains(t, got, "user.archived")
	assert.Equal(t, id, got["user.archived"].AggregateID)

	_, _, err = Encode(events.Envelope{AggregateID: id})
	assert.Error(t, err)
}

func TestRelayPublishesEveryPendingRowOnce(t *testing.T) {
	store := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), events.NewDeleted(uuid.New(), t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	pub := newRetrying()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	relay := NewRelay(store, pub, testLogger, m, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Selected: 5, Published: 5}, res)
	for _, row := range store.Rows() {
		assert.NotNil(t, row.ProcessedAt)
		assert.Nil(t, row.Error)
	}

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Selected)
	assert.Len(t, pub.mem.Published(), 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.OutboxPublished.WithLabelValues("user.deleted")))
}

func TestRelayCarriesRowIdentity(t *testing.T) {
	store := NewInMemoryStore()
	agg := uuid.New()
	ids, err := store.Append(context.Background(), events.NewRegistered(agg, "dave", "dave@example.com", t0))
	require.NoError(t, err)

	pub := newRetrying()
	_, err = NewRelay(store, pub, testLogger, nil, RelayConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	msgs := pub.mem.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, ids[0].String(), msgs[0].ID)
	assert.Equal(t, "user.registered", msgs[0].Type)
	assert.Equal(t, agg.String(), msgs[0].AggregateID)
	assert.JSONEq(t, `{"user_id":"`+agg.String()+`","username":"dave","email":"dave@example.com","occurred_at":"2026-05-04T10:00:00Z"}`, string(msgs[0].Body))
}

func TestRelayRetriesTransientFailureWithinPublish(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Append(context.Background(), events.NewUpdated(uuid.New(), "e", "e@x", t0))
	require.NoError(t, err)

	pub := newRetrying()
	pub.mem.FailNext(2)
	res, err := NewRelay(store, pub, testLogger, nil, RelayConfig{}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Published)
	assert.Len(t, pub.mem.Published(), 1)
	assert.Equal(t, 3, pub.mem.Attempts())
	assert.NotNil(t, store.Rows()[0].ProcessedAt)
}

func TestRelayRecordsErrorAndRetriesNextPoll(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Append(context.Background(), events.NewUpdated(uuid.New(), "f", "f@x", t0))
	require.NoError(t, err)

	pub := newRetrying()
	pub.mem.FailNext(3)
	relay := NewRelay(store, pub, testLogger, nil, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, pub.mem.Attempts())

	row := store.Rows()[0]
	assert.Nil(t, row.ProcessedAt)
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, broker.ErrInjected.Error())

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	row = store.Rows()[0]
	assert.NotNil(t, row.ProcessedAt)
	assert.Nil(t, row.Error)
}

func TestRelayBatchOrderAndLimit(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	// appended newest first; the relay must still go oldest first
	for i := 60; i > 0; i-- {
		_, err := store.Append(ctx, events.NewDeleted(uuid.New(), t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	rows, err := store.FetchPending(ctx, DefaultBatchSize)
	require.NoError(t, err)
	require.Len(t, rows, DefaultBatchSize)
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i-1].OccurredAt.Before(rows[i].OccurredAt))
	}

	pub := newRetrying()
	res, err := NewRelay(store, pub, testLogger, nil, RelayConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, res.Published)
}

func TestRelayStopsPublishingWhenCancelled(t *testing.T) {
	store := NewInMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := store.Append(context.Background(), events.NewDeleted(uuid.New(), t0))
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := newRetrying()
	_, err := NewRelay(store, pub, testLogger, nil, RelayConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, pub.mem.Published())
	for _, row := range store.Rows() {
		assert.Nil(t, row.ProcessedAt)
	}
}

func TestRelayRunExitsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRelay(NewInMemoryStore(), newRetrying(), testLogger, nil, RelayConfig{PollInterval: time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
