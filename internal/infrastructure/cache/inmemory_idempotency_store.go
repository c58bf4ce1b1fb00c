package cache

import (
	"context"
	"sync"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
)

// sweepEvery is the number of marks between two expiry sweeps.
const sweepEvery = 256

// InMemoryIdempotencyStore keeps marks in process memory. It backs single
// node deployments and tests, and stands in when Redis is unreachable.
// Expired marks are dropped lazily: on lookup, and by a sweep every
// sweepEvery writes.
type InMemoryIdempotencyStore struct {
	mu     sync.Mutex
	marks  map[string]time.Time
	writes int
	now    func() time.Time
	closed bool
}

// NewInMemoryIdempotencyStore returns an empty store.
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{
		marks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *InMemoryIdempotencyStore) live(eventID string, at time.Time) bool {
	deadline, ok := s.marks[eventID]
	if !ok {
		return false
	}
	if !at.Before(deadline) {
		delete(s.marks, eventID)
		return false
	}
	return true
}

func (s *InMemoryIdempotencyStore) sweep(at time.Time) {
	for id, deadline := range s.marks {
		if !at.Before(deadline) {
			delete(s.marks, id)
		}
	}
}

// MarkProcessed implements shared.IdempotencyStore.
func (s *InMemoryIdempotencyStore) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	at := s.now()
	if s.live(eventID, at) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = shared.DefaultIdempotencyTTL
	}
	s.marks[eventID] = at.Add(ttl)

	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(at)
	}
	return true, nil
}

// IsProcessed implements shared.IdempotencyStore.
func (s *InMemoryIdempotencyStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	return s.live(eventID, s.now()), nil
}

// Close drops every mark. Later calls fail with ErrStoreClosed.
func (s *InMemoryIdempotencyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.marks = nil
	return nil
}

// Len counts unexpired marks.
func (s *InMemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.marks)
}

var _ shared.IdempotencyStore = (*InMemoryIdempotencyStore)(nil)
