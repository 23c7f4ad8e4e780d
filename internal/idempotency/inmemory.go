package idempotency

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	results map[string][]byte
}

// NewMemoryStore constructs a concurrency-safe in-memory store for tests and
// dev mode.
func NewMemoryStore() Store {
	return &memoryStore{results: make(map[string][]byte)}
}

func (s *memoryStore) Lookup(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.results[key]
	if !ok {
		return nil, ErrResultNotFound
	}
	return payload, nil
}

func (s *memoryStore) Finalize(_ context.Context, key string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if winner, ok := s.results[key]; ok {
		return winner, nil
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.results[key] = stored
	return stored, nil
}
