package seen

import (
	"maps"
	"sync"

	"optrack/internal/idset"
)

// Store persists seen-sets. Save replaces the whole set of one source.
type Store interface {
	LoadAll() (map[string]idset.Set, error)
	Save(source string, ids idset.Set) error
}

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu    sync.Mutex
	sets  map[string]idset.Set
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]idset.Set)}
}

func (s *MemoryStore) LoadAll() (map[string]idset.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]idset.Set, len(s.sets))
	for src, ids := range s.sets {
		out[src] = ids.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Save(source string, ids idset.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[source] = maps.Clone(ids)
	s.saves++
	return nil
}

// Saves returns how many times Save was called. For testing.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
