package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventStore.
type EventStore struct {
	mu   sync.RWMutex
	data []*domain.Event
	ids  map[string]struct{}
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		ids: make(map[string]struct{}),
	}
}

// InsertBulk appends events. Duplicates fail the whole batch.
func (s *EventStore) InsertBulk(_ context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.ids[e.ID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := seen[e.ID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[e.ID] = struct{}{}
	}

	for _, e := range events {
		eventCopy := *e
		s.data = append(s.data, &eventCopy)
		s.ids[e.ID] = struct{}{}
	}
	return nil
}

// GetByBatchID retrieves all events touching a batch, ordered by timestamp ASC.
func (s *EventStore) GetByBatchID(_ context.Context, batchID domain.BatchID) ([]*domain.Event, error) {
	return s.filter(func(e *domain.Event) bool {
		if e.BatchID == batchID {
			return true
		}
		for _, id := range e.BatchIDs {
			if id == batchID {
				return true
			}
		}
		return false
	}), nil
}

// GetByAccount retrieves all events for an account, ordered by timestamp ASC.
func (s *EventStore) GetByAccount(_ context.Context, account common.Address) ([]*domain.Event, error) {
	return s.filter(func(e *domain.Event) bool {
		return e.Account == account
	}), nil
}

func (s *EventStore) filter(match func(*domain.Event) bool) []*domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Event
	for _, e := range s.data {
		if match(e) {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	// Stable keeps insertion order for equal timestamps
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}

// Verify interface compliance at compile time.
var _ storage.EventStore = (*EventStore)(nil)
