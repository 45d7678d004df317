package profile

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a read-only Store backed by an in-memory map. The config-file
// profile source uses it; Replace swaps the whole set when the file is
// reloaded, and runtime edits go to the config file instead.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]ConnectionProfile
}

// NewMemoryStore creates a store holding the given profiles.
func NewMemoryStore(profiles []ConnectionProfile) (*MemoryStore, error) {
	s := &MemoryStore{}
	if err := s.Replace(profiles); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the stored profiles. Duplicate ids are rejected.
func (s *MemoryStore) Replace(profiles []ConnectionProfile) error {
	m := make(map[string]ConnectionProfile, len(profiles))
	for _, p := range profiles {
		if _, dup := m[p.ID]; dup {
			return fmt.Errorf("duplicate connection id %q", p.ID)
		}
		m[p.ID] = p.WithDefaults()
	}

	s.mu.Lock()
	s.profiles = m
	s.mu.Unlock()
	return nil
}

// Lookup returns the profile with the given id.
func (s *MemoryStore) Lookup(ctx context.Context, id string) (ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return ConnectionProfile{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// List returns all profiles sorted by id.
func (s *MemoryStore) List(ctx context.Context) ([]ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
