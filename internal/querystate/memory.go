package querystate

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{ID: id, State: Unknown}, nil
	}
	return rec, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, from State, attempt int64, next Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[next.ID]
	if !ok {
		cur.State = Unknown
	}
	if cur.State != from || cur.Attempt != attempt {
		return false, nil
	}
	s.records[next.ID] = next
	return true, nil
}

func (s *MemoryStore) Stale(_ context.Context, cutoff time.Time, states ...State) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if slices.Contains(states, rec.State) && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
