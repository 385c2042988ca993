// internal/memory/store.go
package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Draft is an item before it has an identity.
type Draft struct {
	Payload  types.Payload
	TreePath []string
	DedupKey string
	Metadata map[string]any
}

// Store manages the items of a single memory type.
type Store struct {
	t   types.MemoryType
	reg *Registry
}

// Type returns the memory type this store holds.
func (s *Store) Type() types.MemoryType { return s.t }

// Create validates and writes a new item. When the draft carries a dedup
// key the owner already used, the existing item is updated in place and
// created is false.
func (s *Store) Create(ctx context.Context, scope types.Scope, d Draft) (item *types.Item, created bool, err error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	if d.Payload == nil {
		return nil, false, &types.ValidationError{Type: s.t, Field: "payload", Constraint: "required"}
	}
	if d.Payload.Kind() != s.t {
		return nil, false, &types.ValidationError{Type: s.t, Field: "payload", Constraint: fmt.Sprintf("got %s payload", d.Payload.Kind())}
	}
	if err := d.Payload.Validate(); err != nil {
		return nil, false, err
	}
	path, err := types.NormalizePath(d.TreePath)
	if err != nil {
		return nil, false, err
	}

	if d.DedupKey != "" {
		unlock := s.reg.locks.Lock("dedup|" + string(s.t) + "|" + scope.OwnerID + "|" + d.DedupKey)
		defer unlock()

		existing, err := s.reg.storage.FindByDedupKey(ctx, s.t, scope.OwnerID, d.DedupKey)
		switch {
		case err == nil:
			it, err := s.upsert(ctx, existing, d)
			return it, false, err
		case !errors.Is(err, types.ErrNotFound):
			return nil, false, fmt.Errorf("failed to look up dedup key: %w", err)
		}
	}

	now := s.reg.now().UTC()
	it := &types.Item{
		ID:             types.NewID(s.t),
		OwnerID:        scope.OwnerID,
		OrganizationID: scope.OrganizationID,
		Type:           s.t,
		DedupKey:       d.DedupKey,
		TreePath:       path,
		Payload:        types.ClonePayload(d.Payload),
		Embeddings:     pendingSlots(d.Payload),
		Metadata:       d.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.reg.storage.Insert(ctx, it)
	if errors.Is(err, storage.ErrDuplicateKey) && d.DedupKey != "" {
		// Another process won the race for this key.
		existing, ferr := s.reg.storage.FindByDedupKey(ctx, s.t, scope.OwnerID, d.DedupKey)
		if ferr != nil {
			return nil, false, fmt.Errorf("failed to resolve dedup race: %w", ferr)
		}
		it, err := s.upsert(ctx, existing, d)
		return it, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to store %s item: %w", s.t, err)
	}

	s.reg.gens.bump(scope.OwnerID, s.t)
	s.notifyPending(len(it.Embeddings))
	s.reg.log.Debug("memory created", "item", it)
	return it, true, nil
}

// upsert overwrites an existing item's payload with a re-ingested draft.
// The tree path is kept so reorganizations survive re-ingestion.
func (s *Store) upsert(ctx context.Context, existing *types.Item, d Draft) (*types.Item, error) {
	unlock := s.reg.locks.Lock(existing.ID)
	defer unlock()

	changed := types.ChangedIndexedFields(existing.Payload, d.Payload)
	if len(changed) == 0 && !existing.IsDeleted && samePayload(existing.Payload, d.Payload) {
		return existing, nil
	}

	next := existing.Clone()
	next.Payload = types.ClonePayload(d.Payload)
	next.Metadata = mergeMetadata(existing.Metadata, d.Metadata)
	next.UpdatedAt = s.reg.now().UTC()
	next.IsDeleted = false
	next.DeletedAt = nil

	reset := resetSlots(next.Payload, changed)
	if err := s.reg.storage.Update(ctx, next, reset); err != nil {
		return nil, fmt.Errorf("failed to update %s item: %w", s.t, err)
	}
	applyReset(next, reset)

	s.reg.gens.bump(next.OwnerID, s.t)
	s.notifyPending(countPending(reset))
	s.reg.log.Debug("memory upserted", "item", next, "changed", changed)
	return next, nil
}

// Get returns a live item owned by the caller.
func (s *Store) Get(ctx context.Context, scope types.Scope, id string) (*types.Item, error) {
	return s.load(ctx, scope, id, false)
}

func (s *Store) load(ctx context.Context, scope types.Scope, id string, includeDeleted bool) (*types.Item, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	it, err := s.reg.storage.Get(ctx, s.t, id)
	if err != nil {
		return nil, err
	}
	if !it.OwnedBy(scope) {
		s.reg.log.Error("cross-owner access refused",
			"error", types.ErrOwnershipViolation, "caller", scope.OwnerID, "item", it)
		return nil, fmt.Errorf("%s %s: %w", s.t, id, types.ErrNotFound)
	}
	if it.IsDeleted && !includeDeleted {
		return nil, fmt.Errorf("%s %s: %w", s.t, id, types.ErrNotFound)
	}
	return it, nil
}

// Update applies a field patch. Every indexed field whose text changes
// loses its embedding until the backfill recomputes it.
func (s *Store) Update(ctx context.Context, scope types.Scope, id string, patch types.FieldPatch) (*types.Item, error) {
	unlock := s.reg.locks.Lock(id)
	defer unlock()

	it, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	payload, err := types.ApplyPatch(it.Payload, patch)
	if err != nil {
		return nil, err
	}

	changed := types.ChangedIndexedFields(it.Payload, payload)
	next := it.Clone()
	next.Payload = payload
	next.UpdatedAt = s.reg.now().UTC()

	reset := resetSlots(payload, changed)
	if err := s.reg.storage.Update(ctx, next, reset); err != nil {
		return nil, fmt.Errorf("failed to update %s item: %w", s.t, err)
	}
	applyReset(next, reset)

	s.reg.gens.bump(scope.OwnerID, s.t)
	s.notifyPending(countPending(reset))
	s.reg.log.Debug("memory updated", "item", next, "changed", changed)
	return next, nil
}

// SoftDelete hides an item from every read path. Deleting twice is fine.
func (s *Store) SoftDelete(ctx context.Context, scope types.Scope, id string) error {
	unlock := s.reg.locks.Lock(id)
	defer unlock()

	it, err := s.load(ctx, scope, id, true)
	if err != nil {
		return err
	}
	if it.IsDeleted {
		return nil
	}
	if err := s.reg.storage.SoftDelete(ctx, s.t, id, s.reg.now().UTC()); err != nil {
		return fmt.Errorf("failed to delete %s item: %w", s.t, err)
	}
	s.reg.gens.bump(scope.OwnerID, s.t)
	s.reg.log.Info("memory deleted", "item", it)
	return nil
}

// HardDelete removes an item and its embeddings for good, deleted or not.
func (s *Store) HardDelete(ctx context.Context, scope types.Scope, id string) error {
	unlock := s.reg.locks.Lock(id)
	defer unlock()

	it, err := s.load(ctx, scope, id, true)
	if err != nil {
		return err
	}
	if err := s.reg.storage.HardDelete(ctx, s.t, id); err != nil {
		return fmt.Errorf("failed to purge %s item: %w", s.t, err)
	}
	s.reg.gens.bump(scope.OwnerID, s.t)
	s.reg.log.Info("memory purged", "item", it)
	return nil
}

// Move refiles an item under a new tree path.
func (s *Store) Move(ctx context.Context, scope types.Scope, id string, path []string) (*types.Item, error) {
	path, err := types.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	unlock := s.reg.locks.Lock(id)
	defer unlock()

	it, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if types.EqualPath(it.TreePath, path) {
		return it, nil
	}
	at := s.reg.now().UTC()
	if err := s.reg.storage.SetTreePath(ctx, s.t, id, path, at); err != nil {
		return nil, fmt.Errorf("failed to move %s item: %w", s.t, err)
	}
	it.TreePath = path
	it.UpdatedAt = at
	s.reg.gens.bump(scope.OwnerID, s.t)
	return it, nil
}

// GetByTreePath returns live items whose path starts with prefix.
func (s *Store) GetByTreePath(ctx context.Context, scope types.Scope, prefix []string, limit int) ([]*types.Item, error) {
	return s.List(ctx, scope, types.ListOpts{PathPrefix: prefix, Limit: limit})
}

// List returns the caller's items. The owner filter is always forced to
// the scope.
func (s *Store) List(ctx context.Context, scope types.Scope, opts types.ListOpts) ([]*types.Item, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	opts.OwnerID = scope.OwnerID
	return s.reg.storage.List(ctx, s.t, opts)
}

// GetMany hydrates ids, dropping anything deleted or not owned.
func (s *Store) GetMany(ctx context.Context, scope types.Scope, ids []string) ([]*types.Item, error) {
	items, err := s.reg.storage.GetMany(ctx, s.t, ids)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.IsDeleted || !it.OwnedBy(scope) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// SearchVector ranks the caller's embeddings against vec.
func (s *Store) SearchVector(ctx context.Context, scope types.Scope, field string, vec []float32, limit int) ([]storage.VectorHit, error) {
	return s.reg.storage.SearchVector(ctx, s.t, scope.OwnerID, field, vec, limit)
}

func (s *Store) notifyPending(n int) {
	if n > 0 && s.reg.onPending != nil {
		s.reg.onPending(s.t)
	}
}

func countPending(reset map[string]string) int {
	n := 0
	for _, h := range reset {
		if h != "" {
			n++
		}
	}
	return n
}

// pendingSlots creates an empty embedding slot for every non-empty
// indexed field.
func pendingSlots(p types.Payload) map[string]types.Embedding {
	slots := make(map[string]types.Embedding)
	for field, text := range p.IndexedText() {
		if text != "" {
			slots[field] = types.Embedding{SourceHash: types.TextHash(text)}
		}
	}
	return slots
}

// resetSlots maps each changed field to the hash of its new text, or to
// "" when the field is now empty and its slot should go.
func resetSlots(p types.Payload, changed []string) map[string]string {
	text := p.IndexedText()
	reset := make(map[string]string, len(changed))
	for _, f := range changed {
		if text[f] == "" {
			reset[f] = ""
		} else {
			reset[f] = types.TextHash(text[f])
		}
	}
	return reset
}

func applyReset(it *types.Item, reset map[string]string) {
	if it.Embeddings == nil {
		it.Embeddings = make(map[string]types.Embedding)
	}
	for f, h := range reset {
		if h == "" {
			delete(it.Embeddings, f)
		} else {
			it.Embeddings[f] = types.Embedding{SourceHash: h}
		}
	}
}

func mergeMetadata(old, add map[string]any) map[string]any {
	if len(add) == 0 {
		return old
	}
	out := make(map[string]any, len(old)+len(add))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func samePayload(a, b types.Payload) bool {
	return reflect.DeepEqual(a, b)
}

// now is exposed for the backfill.
func (s *Store) now() time.Time { return s.reg.now() }
