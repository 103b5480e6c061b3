package instance

import (
	"context"
	"crypto/subtle"
	"sync"
)

// MemoryStore is an in-memory Store, used by tests and by serve when no
// database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Instance
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Instance)}
}

// Put inserts or replaces an instance record.
func (s *MemoryStore) Put(inst Instance) {
	s.mu.Lock()
	s.byID[inst.ID] = inst
	s.mu.Unlock()
}

// Lookup returns the instance with the given id.
func (s *MemoryStore) Lookup(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byID[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

// BySecret returns the instance whose secret matches, comparing in
// constant time per candidate.
func (s *MemoryStore) BySecret(_ context.Context, secret string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.byID {
		if subtle.ConstantTimeCompare([]byte(inst.Secret), []byte(secret)) == 1 {
			return inst, nil
		}
	}
	return Instance{}, ErrNotFound
}
