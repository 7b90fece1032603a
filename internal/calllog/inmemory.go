package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 500

// InMemoryStore keeps the most recent relay summaries in a bounded ring.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	next    int
	filled  bool
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryStore{records: make([]Record, capacity)}
}

func (s *InMemoryStore) SaveCall(_ context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = record
	s.next++
	if s.next >= len(s.records) {
		s.next = 0
		s.filled = true
	}
	return nil
}

// RecentCalls returns up to limit records, newest first.
func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.next
	if s.filled {
		n = len(s.records)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	idx := s.next
	for i := 0; i < limit; i++ {
		idx--
		if idx < 0 {
			idx = len(s.records) - 1
		}
		out = append(out, s.records[idx])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
