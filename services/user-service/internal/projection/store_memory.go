package projection

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// InMemoryStore mirrors the MongoStore upsert pipeline over a map.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]*Document)}
}

func (s *InMemoryStore) Apply(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Op {
	case OpDelete:
		delete(s.docs, m.ID)
	case OpUpsert:
		doc, ok := s.docs[m.ID]
		if !ok {
			doc = &Document{ID: m.ID}
			s.docs[m.ID] = doc
		}
		if m.Profile != nil && (doc.ProfileAt.IsZero() || !m.ProfileAt.Before(doc.ProfileAt)) {
			doc.Username = m.Profile.Username
			doc.Email = m.Profile.Email
			doc.ProfileAt = m.ProfileAt
		}
		if !m.CreatedAt.IsZero() && (doc.CreatedAt.IsZero() || m.CreatedAt.Before(doc.CreatedAt)) {
			doc.CreatedAt = m.CreatedAt
		}
		if m.UpdatedAt.After(doc.UpdatedAt) {
			doc.UpdatedAt = m.UpdatedAt
		}
		for _, r := range m.AddRoles {
			if !slices.Contains(doc.Roles, r) {
				doc.Roles = append(doc.Roles, r)
			}
		}
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok || doc.CreatedAt.IsZero() {
		return Document{}, ErrNotFound
	}
	return copyDoc(doc), nil
}

// Raw returns a document even if it has not been registered yet.
func (s *InMemoryStore) Raw(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, false
	}
	return copyDoc(doc), true
}

func (s *InMemoryStore) List(_ context.Context, page Page) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		if d.CreatedAt.IsZero() {
			continue
		}
		if page.hasCursor() {
			c := d.CreatedAt.Compare(page.AfterCreatedAt)
			if c < 0 || (c == 0 && d.ID <= page.AfterID) {
				continue
			}
		}
		all = append(all, copyDoc(d))
	}
	slices.SortFunc(all, func(a, b Document) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if size := ClampPageSize(page.Size); len(all) > size {
		all = all[:size]
	}
	return all, nil
}

func copyDoc(d *Document) Document {
	out := *d
	out.Roles = slices.Clone(d.Roles)
	if out.Roles == nil {
		out.Roles = []string{}
	}
	return out
}
