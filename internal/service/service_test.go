package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/classifier"
	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/service"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

var alice = types.Scope{OwnerID: "alice"}

// mockClassifier returns fixed assignments.
type mockClassifier struct {
	assignments []classifier.Assignment
	err         error
}

func (m *mockClassifier) Classify(ctx context.Context, u classifier.ContentUnit, cc classifier.Context) ([]classifier.Assignment, error) {
	return m.assignments, m.err
}

func newService(t *testing.T, cls classifier.Classifier) *service.Service {
	t.Helper()
	reg := memory.NewRegistry(storage.NewMemory())
	gw := embedder.NewGateway(embedder.NewHashing(32), time.Second, nil)
	eng, err := search.New(reg, gw)
	if err != nil {
		t.Fatalf("search.New failed: %v", err)
	}
	t.Cleanup(eng.Close)
	ix := tree.New(reg)
	refl := reflexion.New(reg, ix)
	t.Cleanup(refl.Close)
	if cls == nil {
		cls = classifier.NewHeuristic()
	}
	return service.New(service.Deps{
		Registry:   reg,
		Search:     eng,
		Tree:       ix,
		Classifier: cls,
		Reflexion:  refl,
		Gateway:    gw,
	})
}

func TestService_ClassifyAndStore_DedupChunk(t *testing.T) {
	cls := &mockClassifier{assignments: []classifier.Assignment{{
		Type:     types.TypeSemantic,
		Payload:  &types.Semantic{Name: "Kafka", Summary: "a distributed log", Details: "partitioned and replicated"},
		TreePath: []string{"tech"},
	}}}
	svc := newService(t, cls)
	ctx := context.Background()
	unit := classifier.ContentUnit{Text: "Kafka is a distributed log", DedupKey: "chunk-42"}

	first, err := svc.ClassifyAndStore(ctx, alice, unit)
	if err != nil {
		t.Fatalf("ClassifyAndStore failed: %v", err)
	}
	second, err := svc.ClassifyAndStore(ctx, alice, unit)
	if err != nil {
		t.Fatalf("ClassifyAndStore failed: %v", err)
	}

	if !first[types.TypeSemantic].Created {
		t.Error("first call should create")
	}
	if second[types.TypeSemantic].Created {
		t.Error("second call should upsert")
	}
	if first[types.TypeSemantic].ID != second[types.TypeSemantic].ID {
		t.Errorf("expected one item, got %s and %s", first[types.TypeSemantic].ID, second[types.TypeSemantic].ID)
	}

	rs, err := svc.Search(ctx, search.Request{Scope: alice, Types: []types.MemoryType{types.TypeSemantic}, Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(rs) != 1 {
		t.Errorf("expected 1 semantic item, got %d", len(rs))
	}
}

func TestService_ClassifyAndStore_PlaceholderAndPartialFailure(t *testing.T) {
	cls := &mockClassifier{
		assignments: []classifier.Assignment{
			{
				Type:    types.TypeSemantic,
				Payload: &types.Semantic{Name: "Kafka"},
				Missing: []string{"summary", "details"},
			},
			{
				Type:    types.TypeCore,
				Payload: &types.Core{Label: "bio", Value: strings.Repeat("x", 2001)},
			},
		},
		err: &types.IncompleteError{Type: types.TypeSemantic, Missing: []string{"summary", "details"}},
	}
	svc := newService(t, cls)
	ctx := context.Background()

	results, err := svc.ClassifyAndStore(ctx, alice, classifier.ContentUnit{Text: "Kafka"})
	if err != nil {
		t.Fatalf("ClassifyAndStore failed: %v", err)
	}

	sem := results[types.TypeSemantic]
	if sem.Err != nil || !sem.Placeholder {
		t.Fatalf("expected placeholder semantic item, got %+v", sem)
	}
	it, err := svc.GetItem(ctx, alice, sem.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got := it.Payload.(*types.Semantic).Summary; got != types.Placeholder {
		t.Errorf("expected placeholder summary, got %q", got)
	}
	if got := it.Payload.(*types.Semantic).Details; got != types.Placeholder {
		t.Errorf("expected placeholder details, got %q", got)
	}

	core := results[types.TypeCore]
	if !errors.Is(core.Err, types.ErrValidation) {
		t.Errorf("expected validation error for oversized core value, got %v", core.Err)
	}
	if core.ID != "" {
		t.Error("failed write must not report an id")
	}
}

func TestService_ClassifyAndStore_ClassifierFailure(t *testing.T) {
	svc := newService(t, &mockClassifier{err: errors.New("model down")})
	_, err := svc.ClassifyAndStore(context.Background(), alice, classifier.ContentUnit{Text: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}

	_, err = svc.ClassifyAndStore(context.Background(), alice, classifier.ContentUnit{})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for empty text, got %v", err)
	}
}

func TestService_ItemLifecycle(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	it, created, err := svc.CreateItem(ctx, alice, memory.Draft{
		Payload:  &types.Semantic{Name: "Go", Summary: "a compiled language", Details: "has goroutines"},
		TreePath: []string{"inbox"},
	})
	if err != nil || !created {
		t.Fatalf("CreateItem failed: %v", err)
	}

	if _, err := svc.EditItem(ctx, alice, it.ID, types.FieldPatch{"summary": "garbage collected"}); err != nil {
		t.Fatalf("EditItem failed: %v", err)
	}
	if _, err := svc.EditItem(ctx, alice, it.ID, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for empty patch, got %v", err)
	}

	moved, err := svc.MoveItem(ctx, alice, it.ID, []string{"tech", "languages"})
	if err != nil {
		t.Fatalf("MoveItem failed: %v", err)
	}
	if types.FormatPath(moved.TreePath) != "tech/languages" {
		t.Errorf("unexpected path %v", moved.TreePath)
	}

	root, err := svc.GetTree(ctx, alice, types.TypeSemantic, nil)
	if err != nil {
		t.Fatalf("GetTree failed: %v", err)
	}
	if root.Total != 1 || root.Find([]string{"tech", "languages"}) == nil {
		t.Errorf("unexpected tree %+v", root)
	}

	stats, err := svc.Backfill(ctx, nil)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if stats[types.TypeSemantic].Written != 3 {
		t.Errorf("expected 3 embeddings written, got %+v", stats[types.TypeSemantic])
	}

	rs, err := svc.Search(ctx, search.Request{Scope: alice, Query: "garbage collected"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(rs) != 1 || rs[0].Item.ID != it.ID {
		t.Fatalf("expected to find the edited item, got %d results", len(rs))
	}

	if err := svc.DeleteItem(ctx, alice, it.ID); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	if _, err := svc.GetItem(ctx, alice, it.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	rs, _ = svc.Search(ctx, search.Request{Scope: alice, Query: "garbage collected"})
	if len(rs) != 0 {
		t.Errorf("deleted item must not be searchable, got %d results", len(rs))
	}
	if err := svc.HardDeleteItem(ctx, alice, it.ID); err != nil {
		t.Fatalf("HardDeleteItem failed: %v", err)
	}
}

func TestService_OwnershipLooksLikeNotFound(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	it, _, err := svc.CreateItem(ctx, alice, memory.Draft{Payload: &types.Core{Label: "name", Value: "Alice"}})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	bob := types.Scope{OwnerID: "bob"}
	if _, err := svc.GetItem(ctx, bob, it.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := svc.DeleteItem(ctx, bob, it.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_Reflexion(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	res, err := svc.TriggerReflexion(ctx, alice)
	if err != nil {
		t.Fatalf("TriggerReflexion failed: %v", err)
	}
	if res != reflexion.Accepted && res != reflexion.AlreadyRunning {
		t.Errorf("unexpected trigger result %q", res)
	}

	st, err := svc.ReflexionStatus(alice)
	if err != nil {
		t.Fatalf("ReflexionStatus failed: %v", err)
	}
	if st.Owner != "alice" {
		t.Errorf("unexpected owner %q", st.Owner)
	}

	if _, err := svc.ReflexionStatus(types.Scope{}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
