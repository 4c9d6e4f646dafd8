package cursor

import (
	"context"
	"sync"
)

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[int64]Cursor
	saves   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[int64]Cursor)}
}

func (s *MemoryStore) Load(_ context.Context, counter int64) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[counter]
	return c, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.ProjectCounter] = c
	s.saves++
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, counter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, counter)
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
