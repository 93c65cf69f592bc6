package incident

import (
	"context"
	"sort"
	"sync"
)

// Store persists incidents. Implementations return ErrUnknownIncident for
// missing IDs, ErrDuplicateIncident for Create on an existing ID, and must
// never hand back aliases of their internal state.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, inc *Incident) error
	List(ctx context.Context, filter ListFilter) ([]*Incident, error)
	Close()
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*Incident)}
}

func (s *MemoryStore) Create(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; ok {
		return ErrDuplicateIncident
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrUnknownIncident
	}
	return inc.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; !ok {
		return ErrUnknownIncident
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.State != "" && inc.State != filter.State {
			continue
		}
		if filter.Severity != nil && inc.Severity != *filter.Severity {
			continue
		}
		out = append(out, inc.Clone())
	}

	// Newest first; IDs are time-ordered so CreatedAt ties break stably.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
