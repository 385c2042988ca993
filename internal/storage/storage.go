// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// ErrDuplicateKey is returned by Insert when the owner already has an item
// with the same dedup key in that store.
var ErrDuplicateKey = errors.New("duplicate dedup key")

// PendingEmbedding is an embedding slot claimed for backfill.
type PendingEmbedding struct {
	ItemID     string
	OwnerID    string
	Field      string
	SourceHash string
}

// VectorHit is one (item, field) match of a vector query.
type VectorHit struct {
	ItemID     string
	Field      string
	Similarity float64
}

// Storage defines the interface for memory persistence. Every memory type
// lives in its own table or collection; t selects which one.
type Storage interface {
	// Insert writes a new item together with one pending embedding slot per
	// entry in item.Embeddings.
	Insert(ctx context.Context, item *types.Item) error
	// Get returns the item whether or not it is deleted.
	Get(ctx context.Context, t types.MemoryType, id string) (*types.Item, error)
	// GetMany returns the items that exist, in no particular order.
	GetMany(ctx context.Context, t types.MemoryType, ids []string) ([]*types.Item, error)
	FindByDedupKey(ctx context.Context, t types.MemoryType, ownerID, key string) (*types.Item, error)
	// Update rewrites payload, metadata, updated_at and the deleted flag.
	// Each entry of reset points an embedding slot at a new source hash and
	// clears its vector; an empty hash removes the slot.
	Update(ctx context.Context, item *types.Item, reset map[string]string) error
	SetTreePath(ctx context.Context, t types.MemoryType, id string, path []string, at time.Time) error
	SoftDelete(ctx context.Context, t types.MemoryType, id string, at time.Time) error
	HardDelete(ctx context.Context, t types.MemoryType, id string) error
	// List returns items newest first by updated_at.
	List(ctx context.Context, t types.MemoryType, opts types.ListOpts) ([]*types.Item, error)

	// ClaimPending leases up to limit empty embedding slots of live items.
	ClaimPending(ctx context.Context, t types.MemoryType, limit int, lease time.Duration, now time.Time) ([]PendingEmbedding, error)
	// SetEmbedding stores vec only if the slot still carries sourceHash.
	SetEmbedding(ctx context.Context, t types.MemoryType, id, field, sourceHash string, vec []float32) (bool, error)
	// SearchVector ranks the owner's live embeddings by cosine similarity.
	// An empty field searches every indexed field.
	SearchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error)

	// Owners lists every owner with at least one item of type t.
	Owners(ctx context.Context, t types.MemoryType) ([]string, error)
	Close() error
}

func tableNames(t types.MemoryType) (items, embeddings string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	return "memories_" + string(t), "embeddings_" + string(t), nil
}

func notFound(t types.MemoryType, id string) error {
	return fmt.Errorf("%s %s: %w", t, id, types.ErrNotFound)
}
