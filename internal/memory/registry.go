// internal/memory/registry.go
// Package memory implements the per-type memory stores: validation,
// dedup-key upserts, ownership checks, embedding invalidation and the
// embedding backfill that runs off the write path.
package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/lock"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger shared by every store.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPendingHook is called after a write leaves embedding slots pending.
func WithPendingHook(fn func(types.MemoryType)) Option {
	return func(r *Registry) { r.onPending = fn }
}

// Registry owns one Store per memory type over a shared backend.
type Registry struct {
	storage   storage.Storage
	stores    map[types.MemoryType]*Store
	locks     *lock.Keyed
	gens      *generations
	log       *slog.Logger
	now       func() time.Time
	onPending func(types.MemoryType)
}

// NewRegistry builds the six stores.
func NewRegistry(s storage.Storage, opts ...Option) *Registry {
	r := &Registry{
		storage: s,
		stores:  make(map[types.MemoryType]*Store, len(types.AllTypes)),
		locks:   lock.NewKeyed(),
		gens:    &generations{m: make(map[string]uint64)},
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for _, t := range types.AllTypes {
		r.stores[t] = &Store{t: t, reg: r}
	}
	return r
}

// Store returns the store for t.
func (r *Registry) Store(t types.MemoryType) (*Store, error) {
	s, ok := r.stores[t]
	if !ok {
		return nil, t.Validate()
	}
	return s, nil
}

// ForID routes an id to its store.
func (r *Registry) ForID(id string) (*Store, error) {
	t, ok := types.TypeOfID(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return r.stores[t], nil
}

// Storage exposes the backend, for owner enumeration.
func (r *Registry) Storage() storage.Storage { return r.storage }

// Generation changes whenever content of (owner, t) changes. Derived
// indexes key their caches on it.
func (r *Registry) Generation(ownerID string, t types.MemoryType) uint64 {
	return r.gens.get(ownerID, t)
}

type generations struct {
	mu sync.Mutex
	m  map[string]uint64
}

func genKey(ownerID string, t types.MemoryType) string {
	return ownerID + "|" + string(t)
}

func (g *generations) get(ownerID string, t types.MemoryType) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[genKey(ownerID, t)]
}

func (g *generations) bump(ownerID string, t types.MemoryType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[genKey(ownerID, t)]++
}
