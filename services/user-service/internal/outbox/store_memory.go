package outbox

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/userhub/services/user-service/internal/events"
)

// InMemoryStore keeps outbox rows in memory with the same selection rules
// as the Postgres table.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows []Row
	seq  int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append stores one pending row per envelope, as a committed transaction would.
func (s *InMemoryStore) Append(_ context.Context, envs ...events.Envelope) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(envs))
	for _, env := range envs {
		typ, payload, err := Encode(env)
		if err != nil {
			return nil, err
		}
		s.seq++
		row := Row{
			ID:          uuid.New(),
			Seq:         s.seq,
			AggregateID: env.AggregateID,
			Type:        typ,
			Payload:     payload,
			OccurredAt:  env.OccurredAt.UTC(),
		}
		s.rows = append(s.rows, row)
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (s *InMemoryStore) FetchPending(_ context.Context, limit int) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []Row
	for _, r := range s.rows {
		if r.ProcessedAt == nil {
			pending = append(pending, r)
		}
	}
	slices.SortStableFunc(pending, func(a, b Row) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return int(a.Seq - b.Seq)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *InMemoryStore) SaveOutcomes(_ context.Context, outcomes []Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range outcomes {
		i := slices.IndexFunc(s.rows, func(r Row) bool { return r.ID == o.ID })
		if i < 0 {
			continue
		}
		if o.ProcessedAt.IsZero() {
			if s.rows[i].ProcessedAt == nil {
				msg := o.Err
				s.rows[i].Error = &msg
			}
			continue
		}
		at := o.ProcessedAt
		s.rows[i].ProcessedAt = &at
		s.rows[i].Error = nil
	}
	return nil
}

// Rows returns a snapshot of every row in insertion order.
func (s *InMemoryStore) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows)
}
