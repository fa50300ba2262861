package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryStore struct {
	now func() time.Time

	mu        sync.RWMutex
	records   map[string]Record
	mutations []Mutation
}

// NewMemory builds an in-process store. It holds nothing across restarts and
// exists for tests and ephemeral sessions.
func NewMemory() Store {
	return &memoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]Record),
	}
}

func (s *memoryStore) Put(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.records[key] = Record{
		Key:       key,
		Value:     cloneValue(value),
		Kind:      KindCache,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if !rec.ExpiresAt.After(s.now()) {
		// Expired records stay in place so GetStale can serve them while
		// offline; they are removed on overwrite, delete, or eviction.
		return nil, false, nil
	}
	return cloneValue(rec.Value), true, nil
}

func (s *memoryStore) GetStale(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return cloneValue(rec.Value), true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *memoryStore) EnqueueMutation(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mutations {
		if existing.ID == m.ID {
			s.mutations[i] = cloneMutation(m)
			return nil
		}
	}
	s.mutations = append(s.mutations, cloneMutation(m))
	return nil
}

func (s *memoryStore) ListMutations(_ context.Context) ([]Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mutation, 0, len(s.mutations))
	for _, m := range s.mutations {
		out = append(out, cloneMutation(m))
	}
	return out, nil
}

func (s *memoryStore) DeleteMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mutations {
		if m.ID == id {
			s.mutations = append(s.mutations[:i], s.mutations[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memoryStore) ClearMutations(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations = nil
	return nil
}

func (s *memoryStore) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	s.mutations = nil
	return nil
}

func (s *memoryStore) Backend() string { return "memory" }

func (s *memoryStore) Close(context.Context) error { return nil }
