// Package events delivers committed orchestrator events to subscribers.
package events

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"batch-engine/internal/domain"
)

// Publisher delivers events after the state change that produced them commits.
type Publisher interface {
	Publish(ctx context.Context, events ...*domain.Event) error
	Close() error
}

// Stamp assigns an id to events that have none.
func Stamp(events ...*domain.Event) {
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
	}
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, ...*domain.Event) error { return nil }
func (Noop) Close() error                                    { return nil }

// Multi fans events out to several publishers. Every publisher is attempted;
// errors are joined.
type Multi []Publisher

// Publish delivers events to every publisher.
func (m Multi) Publish(ctx context.Context, events ...*domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = Noop{}
	_ Publisher = Multi(nil)
)
