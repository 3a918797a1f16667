package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentforum/core"
)

// Compile time check to ensure InMemoryTreeStore satisfies the core.TreeStore interface.
var _ core.TreeStore = (*InMemoryTreeStore)(nil)

// InMemoryTreeStore is a volatile TreeStore implementation keeping immutable
// objects in a process local map keyed by hash. It is safe for concurrent
// access and best suited for tests or single-process setups. Objects are
// handed out by reference; they are immutable, so no cloning is needed.
type InMemoryTreeStore struct {
	mu      sync.RWMutex
	objects map[string]core.Immutable
}

// NewInMemoryTreeStore constructs an empty in-memory tree store.
func NewInMemoryTreeStore() *InMemoryTreeStore {
	return &InMemoryTreeStore{objects: make(map[string]core.Immutable)}
}

// Store records an immutable object under its hash key. Storing the same
// object twice is a no-op: equal hash means equal content.
func (s *InMemoryTreeStore) Store(_ context.Context, obj core.Immutable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.HashKey()] = obj
	return nil
}

// Retrieve returns the object stored under the given hash key, or ErrNotFound.
func (s *InMemoryTreeStore) Retrieve(_ context.Context, hashKey string) (core.Immutable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[hashKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, hashKey)
	}
	return obj, nil
}

// Len returns the number of stored objects.
func (s *InMemoryTreeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
