// Package lock provides mutual exclusion for keeper work across replicas.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants exclusive, expiring leases on named keys.
type Locker interface {
	// Acquire takes key for ttl. Returns ErrNotAcquired if it is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	clock uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire takes key for ttl.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	l.clock++
	l.held[key] = localEntry{token: l.clock, expires: now.Add(ttl)}
	return &localLease{l: l, key: key, token: l.clock}, nil
}

type localLease struct {
	l     *Local
	key   string
	token uint64
}

// Release frees the key if this lease still owns it.
func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()
	if e, ok := ll.l.held[ll.key]; ok && e.token == ll.token {
		delete(ll.l.held, ll.key)
	}
	return nil
}

var _ Locker = (*Local)(nil)
