package policy

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	storage map[string]Policy
}

// NewMemoryStore constructs an in-memory policy store for tests and dev mode.
func NewMemoryStore() Store {
	return &memoryStore{storage: make(map[string]Policy)}
}

func (s *memoryStore) Get(_ context.Context, walletID string) (Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.storage[walletID]
	return p, ok, nil
}

func (s *memoryStore) Upsert(_ context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[p.WalletID] = p
	return nil
}
