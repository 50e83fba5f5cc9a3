package executor

import (
	"context"
	"sync"
)

// MemStore is an in-memory idempotency record store. Suitable for a single
// process; a shared deployment points Store at the ledger database instead.
type MemStore struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
}

// NewMemStore initializes an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{outcomes: make(map[string]Outcome)}
}

// GetOutcome returns the recorded outcome for a key, if any.
func (s *MemStore) GetOutcome(_ context.Context, key string) (Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[key]
	return o, ok, nil
}

// PutOutcome records the outcome for a key.
func (s *MemStore) PutOutcome(_ context.Context, key string, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[key] = o
	return nil
}
