package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by degraded runs when
// the durable store is unavailable.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entry) (*Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := e
	cp.Payload = append([]byte(nil), e.Payload...)
	s.mu.Lock()
	s.entries[e.Key] = cp
	s.mu.Unlock()
	out := cp
	out.Payload = append([]byte(nil), cp.Payload...)
	return &out, nil
}

func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
