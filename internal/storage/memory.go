// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

type memSlot struct {
	sourceHash   string
	vector       []float32
	claimedUntil time.Time
}

type memRecord struct {
	item  *types.Item
	slots map[string]*memSlot
}

// Memory implements Storage in process. It keeps nothing across restarts
// and backs tests and ephemeral runs.
type Memory struct {
	mu     sync.RWMutex
	tables map[types.MemoryType]map[string]*memRecord
}

// NewMemory creates an empty in-process storage
func NewMemory() *Memory {
	m := &Memory{tables: make(map[types.MemoryType]map[string]*memRecord)}
	for _, t := range types.AllTypes {
		m.tables[t] = make(map[string]*memRecord)
	}
	return m
}

func (m *Memory) table(t types.MemoryType) (map[string]*memRecord, error) {
	tbl, ok := m.tables[t]
	if !ok {
		return nil, t.Validate()
	}
	return tbl, nil
}

func (m *Memory) Insert(ctx context.Context, item *types.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(item.Type)
	if err != nil {
		return err
	}
	if _, ok := tbl[item.ID]; ok {
		return ErrDuplicateKey
	}
	if item.DedupKey != "" {
		for _, rec := range tbl {
			if rec.item.OwnerID == item.OwnerID && rec.item.DedupKey == item.DedupKey {
				return ErrDuplicateKey
			}
		}
	}

	rec := &memRecord{item: item.Clone(), slots: make(map[string]*memSlot)}
	rec.item.Embeddings = nil
	for field, emb := range item.Embeddings {
		rec.slots[field] = &memSlot{sourceHash: emb.SourceHash, vector: append([]float32(nil), emb.Vector...)}
	}
	tbl[item.ID] = rec
	return nil
}

func (m *Memory) snapshot(rec *memRecord, withEmbeddings bool) *types.Item {
	it := rec.item.Clone()
	if withEmbeddings {
		it.Embeddings = make(map[string]types.Embedding, len(rec.slots))
		for field, s := range rec.slots {
			it.Embeddings[field] = types.Embedding{
				SourceHash: s.sourceHash,
				Vector:     append([]float32(nil), s.vector...),
			}
		}
	}
	return it
}

func (m *Memory) Get(ctx context.Context, t types.MemoryType, id string) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	rec, ok := tbl[id]
	if !ok {
		return nil, notFound(t, id)
	}
	return m.snapshot(rec, true), nil
}

func (m *Memory) GetMany(ctx context.Context, t types.MemoryType, ids []string) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	var out []*types.Item
	for _, id := range ids {
		if rec, ok := tbl[id]; ok {
			out = append(out, m.snapshot(rec, false))
		}
	}
	return out, nil
}

func (m *Memory) FindByDedupKey(ctx context.Context, t types.MemoryType, ownerID, key string) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	for _, rec := range tbl {
		if rec.item.OwnerID == ownerID && rec.item.DedupKey == key {
			return m.snapshot(rec, true), nil
		}
	}
	return nil, notFound(t, key)
}

func (m *Memory) Update(ctx context.Context, item *types.Item, reset map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(item.Type)
	if err != nil {
		return err
	}
	rec, ok := tbl[item.ID]
	if !ok {
		return notFound(item.Type, item.ID)
	}

	next := item.Clone()
	rec.item.Payload = next.Payload
	rec.item.Metadata = next.Metadata
	rec.item.UpdatedAt = next.UpdatedAt
	rec.item.IsDeleted = next.IsDeleted
	rec.item.DeletedAt = next.DeletedAt
	for field, hash := range reset {
		if hash == "" {
			delete(rec.slots, field)
			continue
		}
		rec.slots[field] = &memSlot{sourceHash: hash}
	}
	return nil
}

func (m *Memory) SetTreePath(ctx context.Context, t types.MemoryType, id string, path []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	rec, ok := tbl[id]
	if !ok {
		return notFound(t, id)
	}
	rec.item.TreePath = append([]string(nil), path...)
	rec.item.UpdatedAt = at
	return nil
}

func (m *Memory) SoftDelete(ctx context.Context, t types.MemoryType, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	rec, ok := tbl[id]
	if !ok {
		return notFound(t, id)
	}
	if rec.item.IsDeleted {
		return nil
	}
	rec.item.IsDeleted = true
	rec.item.DeletedAt = &at
	rec.item.UpdatedAt = at
	return nil
}

func (m *Memory) HardDelete(ctx context.Context, t types.MemoryType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(t)
	if err != nil {
		return err
	}
	if _, ok := tbl[id]; !ok {
		return notFound(t, id)
	}
	delete(tbl, id)
	return nil
}

func (m *Memory) List(ctx context.Context, t types.MemoryType, opts types.ListOpts) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	var out []*types.Item
	for _, rec := range tbl {
		it := rec.item
		if opts.OwnerID != "" && it.OwnerID != opts.OwnerID {
			continue
		}
		if it.IsDeleted && !opts.IncludeDeleted {
			continue
		}
		if !types.HasPathPrefix(it.TreePath, opts.PathPrefix) {
			continue
		}
		out = append(out, m.snapshot(rec, opts.WithEmbeddings))
	}
	sortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimPending(ctx context.Context, t types.MemoryType, limit int, lease time.Duration, now time.Time) ([]PendingEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []PendingEmbedding
	for _, id := range ids {
		rec := tbl[id]
		if rec.item.IsDeleted {
			continue
		}
		fields := make([]string, 0, len(rec.slots))
		for f := range rec.slots {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			s := rec.slots[f]
			if len(s.vector) > 0 || s.claimedUntil.After(now) {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			s.claimedUntil = now.Add(lease)
			out = append(out, PendingEmbedding{
				ItemID:     id,
				OwnerID:    rec.item.OwnerID,
				Field:      f,
				SourceHash: s.sourceHash,
			})
		}
	}
	return out, nil
}

func (m *Memory) SetEmbedding(ctx context.Context, t types.MemoryType, id, field, sourceHash string, vec []float32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, err := m.table(t)
	if err != nil {
		return false, err
	}
	rec, ok := tbl[id]
	if !ok {
		return false, nil
	}
	s, ok := rec.slots[field]
	if !ok || s.sourceHash != sourceHash {
		return false, nil
	}
	s.vector = append([]float32(nil), vec...)
	s.claimedUntil = time.Time{}
	return true, nil
}

func (m *Memory) SearchVector(ctx context.Context, t types.MemoryType, ownerID, field string, vec []float32, limit int) ([]VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	var hits []VectorHit
	for id, rec := range tbl {
		if rec.item.OwnerID != ownerID || rec.item.IsDeleted {
			continue
		}
		for f, s := range rec.slots {
			if len(s.vector) != len(vec) || (field != "" && f != field) {
				continue
			}
			hits = append(hits, VectorHit{ItemID: id, Field: f, Similarity: embedder.CosineSimilarity(vec, s.vector)})
		}
	}
	return topHits(hits, limit), nil
}

func (m *Memory) Owners(ctx context.Context, t types.MemoryType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tbl, err := m.table(t)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, rec := range tbl {
		if !seen[rec.item.OwnerID] {
			seen[rec.item.OwnerID] = true
			out = append(out, rec.item.OwnerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortNewestFirst(items []*types.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// topHits orders hits by similarity and keeps the first limit.
func topHits(hits []VectorHit, limit int) []VectorHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].ItemID != hits[j].ItemID {
			return hits[i].ItemID < hits[j].ItemID
		}
		return hits[i].Field < hits[j].Field
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
