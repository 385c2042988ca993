package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

const testDims = 4

// newItem builds a semantic item with one pending slot per indexed field.
func newItem(owner, name string, path ...string) *types.Item {
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := &types.Semantic{Name: name, Summary: name + " summary"}
	it := &types.Item{
		ID:         types.NewID(types.TypeSemantic),
		OwnerID:    owner,
		Type:       types.TypeSemantic,
		TreePath:   path,
		Payload:    p,
		Embeddings: map[string]types.Embedding{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(it.TreePath) == 0 {
		it.TreePath = []string{types.DefaultCategory}
	}
	for field, text := range p.IndexedText() {
		if text != "" {
			it.Embeddings[field] = types.Embedding{SourceHash: types.TextHash(text)}
		}
	}
	return it
}

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	owner := "owner-" + types.NewID(types.TypeCore)[5:13]

	t.Run("InsertGet", func(t *testing.T) {
		it := newItem(owner, "Go", "tech", "languages")
		it.Metadata = map[string]any{"source": "chat"}
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := s.Get(ctx, types.TypeSemantic, it.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Payload.(*types.Semantic).Name != "Go" {
			t.Errorf("unexpected payload: %+v", got.Payload)
		}
		if types.FormatPath(got.TreePath) != "tech/languages" {
			t.Errorf("unexpected path: %v", got.TreePath)
		}
		if got.Metadata["source"] != "chat" {
			t.Errorf("unexpected metadata: %v", got.Metadata)
		}
		if len(got.Embeddings) != 2 || !got.Embeddings["name"].Pending() {
			t.Errorf("expected two pending slots, got %+v", got.Embeddings)
		}

		if _, err := s.Get(ctx, types.TypeSemantic, types.NewID(types.TypeSemantic)); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DedupKey", func(t *testing.T) {
		a := newItem(owner, "chunk")
		a.DedupKey = "doc#42"
		if err := s.Insert(ctx, a); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		b := newItem(owner, "chunk again")
		b.DedupKey = "doc#42"
		if err := s.Insert(ctx, b); !errors.Is(err, storage.ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}

		other := newItem(owner+"-other", "chunk")
		other.DedupKey = "doc#42"
		if err := s.Insert(ctx, other); err != nil {
			t.Errorf("dedup keys are per owner: %v", err)
		}

		found, err := s.FindByDedupKey(ctx, types.TypeSemantic, owner, "doc#42")
		if err != nil {
			t.Fatalf("FindByDedupKey failed: %v", err)
		}
		if found.ID != a.ID {
			t.Errorf("expected %s, got %s", a.ID, found.ID)
		}
	})

	t.Run("ListPrefixAndDeleted", func(t *testing.T) {
		listOwner := owner + "-list"
		work := newItem(listOwner, "standup", "work", "meetings")
		workshop := newItem(listOwner, "lathe", "workshop")
		gone := newItem(listOwner, "old", "work")
		for _, it := range []*types.Item{work, workshop, gone} {
			if err := s.Insert(ctx, it); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		if err := s.SoftDelete(ctx, types.TypeSemantic, gone.ID, time.Now()); err != nil {
			t.Fatalf("SoftDelete failed: %v", err)
		}
		if err := s.SoftDelete(ctx, types.TypeSemantic, gone.ID, time.Now()); err != nil {
			t.Errorf("second SoftDelete should be a no-op: %v", err)
		}

		got, err := s.List(ctx, types.TypeSemantic, types.ListOpts{OwnerID: listOwner, PathPrefix: []string{"work"}})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != work.ID {
			t.Errorf("expected only %s under work, got %d items", work.ID, len(got))
		}

		all, err := s.List(ctx, types.TypeSemantic, types.ListOpts{OwnerID: listOwner, IncludeDeleted: true})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 items including deleted, got %d", len(all))
		}

		deleted, err := s.Get(ctx, types.TypeSemantic, gone.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !deleted.IsDeleted || deleted.DeletedAt == nil {
			t.Error("expected deleted flag and timestamp")
		}
	})

	t.Run("EmbeddingLifecycle", func(t *testing.T) {
		embOwner := owner + "-emb"
		it := newItem(embOwner, "vectors")
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		now := time.Now()
		var mine []storage.PendingEmbedding
		for {
			claimed, err := s.ClaimPending(ctx, types.TypeSemantic, 100, time.Minute, now)
			if err != nil {
				t.Fatalf("ClaimPending failed: %v", err)
			}
			if len(claimed) == 0 {
				break
			}
			for _, p := range claimed {
				if p.ItemID == it.ID {
					mine = append(mine, p)
				}
			}
		}
		if len(mine) != 2 {
			t.Fatalf("expected 2 claimed slots, got %d", len(mine))
		}
		again, _ := s.ClaimPending(ctx, types.TypeSemantic, 100, time.Minute, now)
		for _, p := range again {
			if p.ItemID == it.ID {
				t.Error("leased slot claimed twice")
			}
		}

		ok, err := s.SetEmbedding(ctx, types.TypeSemantic, it.ID, "name", "stale-hash", []float32{1, 0, 0, 0})
		if err != nil || ok {
			t.Errorf("stale hash must not be written: ok=%v err=%v", ok, err)
		}
		for _, p := range mine {
			ok, err := s.SetEmbedding(ctx, types.TypeSemantic, it.ID, p.Field, p.SourceHash, []float32{1, 0, 0, 0})
			if err != nil || !ok {
				t.Fatalf("SetEmbedding failed: ok=%v err=%v", ok, err)
			}
		}

		hits, err := s.SearchVector(ctx, types.TypeSemantic, embOwner, "", []float32{1, 0, 0, 0}, 10)
		if err != nil {
			t.Fatalf("SearchVector failed: %v", err)
		}
		if len(hits) != 2 || hits[0].ItemID != it.ID || hits[0].Similarity < 0.99 {
			t.Errorf("unexpected hits: %+v", hits)
		}

		// Editing the name resets only that slot.
		it.Payload = &types.Semantic{Name: "vector search", Summary: "vectors summary"}
		it.UpdatedAt = time.Now()
		if err := s.Update(ctx, it, map[string]string{"name": types.TextHash("vector search")}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		got, _ := s.Get(ctx, types.TypeSemantic, it.ID)
		if !got.Embeddings["name"].Pending() || got.Embeddings["summary"].Pending() {
			t.Errorf("expected only name to be pending: %+v", got.Embeddings)
		}

		if err := s.SoftDelete(ctx, types.TypeSemantic, it.ID, time.Now()); err != nil {
			t.Fatalf("SoftDelete failed: %v", err)
		}
		hits, _ = s.SearchVector(ctx, types.TypeSemantic, embOwner, "", []float32{1, 0, 0, 0}, 10)
		if len(hits) != 0 {
			t.Errorf("deleted item must not be vector searchable: %+v", hits)
		}
		claimed, _ := s.ClaimPending(ctx, types.TypeSemantic, 100, time.Minute, now.Add(time.Hour))
		for _, p := range claimed {
			if p.ItemID == it.ID {
				t.Error("deleted item slot claimed")
			}
		}
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		leaseOwner := owner + "-lease"
		it := newItem(leaseOwner, "crashed worker")
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		lease := time.Minute
		now := time.Now()
		drain := func(at time.Time) map[string]bool {
			fields := make(map[string]bool)
			for {
				claimed, err := s.ClaimPending(ctx, types.TypeSemantic, 100, lease, at)
				if err != nil {
					t.Fatalf("ClaimPending failed: %v", err)
				}
				if len(claimed) == 0 {
					return fields
				}
				for _, p := range claimed {
					if p.ItemID == it.ID {
						if fields[p.Field] {
							t.Errorf("slot %s handed out twice in one round", p.Field)
						}
						fields[p.Field] = true
					}
				}
			}
		}

		first := drain(now)
		if len(first) != 2 {
			t.Fatalf("expected 2 claimed slots, got %v", first)
		}
		if again := drain(now.Add(lease / 2)); len(again) != 0 {
			t.Errorf("slots reclaimed before the lease ran out: %v", again)
		}
		reclaimed := drain(now.Add(lease + time.Second))
		if len(reclaimed) != len(first) {
			t.Fatalf("expected the same %d slots back after the lease, got %v", len(first), reclaimed)
		}
		for f := range first {
			if !reclaimed[f] {
				t.Errorf("slot %s was not reclaimed", f)
			}
		}
	})

	t.Run("TreePathAndHardDelete", func(t *testing.T) {
		it := newItem(owner, "movable", "inbox")
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := s.SetTreePath(ctx, types.TypeSemantic, it.ID, []string{"archive", "2024"}, time.Now()); err != nil {
			t.Fatalf("SetTreePath failed: %v", err)
		}
		got, _ := s.Get(ctx, types.TypeSemantic, it.ID)
		if types.FormatPath(got.TreePath) != "archive/2024" {
			t.Errorf("unexpected path: %v", got.TreePath)
		}

		if err := s.HardDelete(ctx, types.TypeSemantic, it.ID); err != nil {
			t.Fatalf("HardDelete failed: %v", err)
		}
		if _, err := s.Get(ctx, types.TypeSemantic, it.ID); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected ErrNotFound after hard delete, got %v", err)
		}
		if err := s.HardDelete(ctx, types.TypeSemantic, it.ID); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Owners", func(t *testing.T) {
		owners, err := s.Owners(ctx, types.TypeSemantic)
		if err != nil {
			t.Fatalf("Owners failed: %v", err)
		}
		var found bool
		for _, o := range owners {
			if o == owner {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s in %v", owner, owners)
		}
	})
}
