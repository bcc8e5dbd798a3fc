package events

import (
	"context"
	"fmt"

	"batch-engine/internal/domain"
	"batch-engine/internal/storage"
)

// Recorder appends events to an EventStore.
type Recorder struct {
	store storage.EventStore
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store storage.EventStore) *Recorder {
	return &Recorder{store: store}
}

// Publish stores events.
func (r *Recorder) Publish(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.store.InsertBulk(ctx, events); err != nil {
		return fmt.Errorf("record events: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

var _ Publisher = (*Recorder)(nil)
