// internal/lock/lock.go
// Package lock provides the mutual exclusion primitives the engine relies
// on: keyed in-process mutexes for per-item and per-owner ordering, and
// leased try-locks that coalesce background runs across processes.
package lock

import (
	"context"
	"sync"
	"time"
)

// Unlock releases a lease obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker hands out exclusive, expiring leases on named keys.
type Locker interface {
	// TryLock acquires key for ttl without waiting. ok is false when
	// another holder already owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// Local is a Locker for a single process.
type Local struct {
	mu     sync.Mutex
	leases map[string]localLease
	seq    uint64
}

type localLease struct {
	token   uint64
	expires time.Time
}

// NewLocal creates an in-process Locker
func NewLocal() *Local {
	return &Local{leases: make(map[string]localLease)}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if cur, held := l.leases[key]; held && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, held := l.leases[key]; held && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, true, nil
}

// Keyed serializes work per key. Entries are dropped once unused.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed mutex
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the function that frees it.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
