// internal/tree/index.go
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MereWhiplash/engram-cortex/internal/lock"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Index serializes path changes per owner and plans category merges.
type Index struct {
	reg   *memory.Registry
	locks *lock.Keyed
	log   *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.log = l }
}

// New returns an Index over reg.
func New(reg *memory.Registry, opts ...Option) *Index {
	ix := &Index{reg: reg, locks: lock.NewKeyed(), log: slog.Default()}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

func ownerKey(scope types.Scope) string { return "tree|" + scope.OwnerID }

// Tree returns the caller's category tree for t, rooted at prefix.
func (ix *Index) Tree(ctx context.Context, scope types.Scope, t types.MemoryType, prefix []string) (*Node, error) {
	st, err := ix.reg.Store(t)
	if err != nil {
		return nil, err
	}
	items, err := st.List(ctx, scope, types.ListOpts{PathPrefix: prefix})
	if err != nil {
		return nil, err
	}
	root := Build(items)
	n := root.Find(prefix)
	if n == nil {
		return &Node{Path: prefix}, nil
	}
	return n, nil
}

// Move refiles one item. Moves for an owner never interleave.
func (ix *Index) Move(ctx context.Context, scope types.Scope, id string, path []string) (*types.Item, error) {
	st, err := ix.reg.ForID(id)
	if err != nil {
		return nil, err
	}
	unlock := ix.locks.Lock(ownerKey(scope))
	defer unlock()
	return st.Move(ctx, scope, id, path)
}

// Rebalance proposes merges of near-duplicate categories in the caller's
// items of type t.
func (ix *Index) Rebalance(ctx context.Context, scope types.Scope, t types.MemoryType, threshold float64) (Plan, error) {
	st, err := ix.reg.Store(t)
	if err != nil {
		return Plan{}, err
	}
	items, err := st.List(ctx, scope, types.ListOpts{})
	if err != nil {
		return Plan{}, err
	}
	return PlanMerges(t, items, threshold), nil
}

// Apply carries out a plan's moves. A move is skipped when the item has
// been refiled, deleted or removed since the plan was made. It returns the
// number of moves that took effect.
func (ix *Index) Apply(ctx context.Context, scope types.Scope, plan Plan) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	unlock := ix.locks.Lock(ownerKey(scope))
	defer unlock()

	applied := 0
	for _, m := range plan.Moves {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		st, err := ix.reg.Store(m.Type)
		if err != nil {
			return applied, err
		}
		it, err := st.Get(ctx, scope, m.ItemID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return applied, err
		}
		if !types.EqualPath(it.TreePath, m.From) {
			ix.log.Debug("skipping stale move", "item", it, "planned_from", types.FormatPath(m.From))
			continue
		}
		if _, err := st.Move(ctx, scope, m.ItemID, m.To); err != nil {
			return applied, fmt.Errorf("failed to move %s: %w", m.ItemID, err)
		}
		applied++
	}
	if applied > 0 {
		ix.log.Info("tree rebalanced", "owner", scope.OwnerID, "moves", applied)
	}
	return applied, nil
}
