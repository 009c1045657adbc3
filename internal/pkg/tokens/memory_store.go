package tokens

import (
	"context"
	"sync"
	"time"
)

type nsKey struct {
	ns    Namespace
	value string
}

type ownerKey struct {
	ns Namespace
	id string
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[nsKey]Entry
	owners  map[ownerKey]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[nsKey]Entry),
		owners:  make(map[ownerKey]map[string]struct{}),
	}
}

func (s *MemoryStore) Put(_ context.Context, ns Namespace, value string, e Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[nsKey{ns, value}] = e
	ok := ownerKey{ns, e.PrincipalID}
	if s.owners[ok] == nil {
		s.owners[ok] = make(map[string]struct{})
	}
	s.owners[ok][value] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ns Namespace, value string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[nsKey{ns, value}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Delete(_ context.Context, ns Namespace, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(ns, value)
	return nil
}

func (s *MemoryStore) deleteLocked(ns Namespace, value string) {
	k := nsKey{ns, value}
	e, ok := s.entries[k]
	if !ok {
		return
	}
	delete(s.entries, k)
	ok2 := ownerKey{ns, e.PrincipalID}
	delete(s.owners[ok2], value)
	if len(s.owners[ok2]) == 0 {
		delete(s.owners, ok2)
	}
}

func (s *MemoryStore) DeleteOwner(_ context.Context, ns Namespace, principalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.owners[ownerKey{ns, principalID}]
	n := 0
	for v := range values {
		delete(s.entries, nsKey{ns, v})
		n++
	}
	delete(s.owners, ownerKey{ns, principalID})
	return n, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, ns Namespace, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if k.ns == ns && !now.Before(e.ExpiresAt) {
			s.deleteLocked(ns, k.value)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored entries across namespaces.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
