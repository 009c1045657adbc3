package verification

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]Code
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]Code)}
}

func (s *MemoryStore) Get(_ context.Context, email string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[NormalizeEmail(email)]
	if !ok {
		return Code{}, ErrNotFound
	}
	return c, nil
}

// Update holds the store lock while fn runs; fn must not call back into s.
func (s *MemoryStore) Update(_ context.Context, email string, fn func(cur *Code) (Code, Op, error)) error {
	key := NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Code
	if c, ok := s.codes[key]; ok {
		cur = &c
	}
	next, op, err := fn(cur)
	switch op {
	case Save:
		s.codes[key] = next
	case Remove:
		delete(s.codes, key)
	}
	return err
}

func (s *MemoryStore) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	delete(s.codes, NormalizeEmail(email))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}
