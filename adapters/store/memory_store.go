package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
)

type memoryEntry struct {
	state   core.RetryState
	expires time.Time
}

// MemoryStore is an in-memory implementation of the RetryStore interface
type MemoryStore struct {
	namespace string
	retention time.Duration
	now       func() time.Time

	entries map[string]memoryEntry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store. A zero retention keeps state forever.
func NewMemoryStore(namespace string, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		namespace: namespace,
		retention: retention,
		now:       time.Now,
		entries:   make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) key(wallet string) string {
	return s.namespace + ":" + wallet
}

// Get returns the state of wallet. Expired entries read as the zero state.
func (s *MemoryStore) Get(_ context.Context, wallet string) (core.RetryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[s.key(wallet)]
	if !exists {
		return core.RetryState{}, nil
	}
	if !entry.expires.IsZero() && s.now().After(entry.expires) {
		return core.RetryState{}, nil
	}
	return entry.state, nil
}

func (s *MemoryStore) Set(_ context.Context, wallet string, state core.RetryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{state: state}
	if s.retention > 0 {
		entry.expires = s.now().Add(s.retention)
	}
	s.entries[s.key(wallet)] = entry
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, s.key(wallet))
	return nil
}

var _ ports.RetryStore = (*MemoryStore)(nil)
