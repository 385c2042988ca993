// internal/api/handlers_test.go
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/api"
	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
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

func setupTestServer(t *testing.T) (*api.Handlers, http.Handler) {
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

	svc := service.New(service.Deps{
		Registry:   reg,
		Search:     eng,
		Tree:       ix,
		Classifier: classifier.NewHeuristic(),
		Reflexion:  refl,
		Gateway:    gw,
	})
	handlers := api.NewHandlers(svc, nil)
	return handlers, api.NewRouter(handlers, api.RouterConfig{})
}

func do(t *testing.T, r http.Handler, method, path, owner string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(apitypes.HeaderOwnerID, owner)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func createSemantic(t *testing.T, r http.Handler, owner, name, summary string) *types.Item {
	t.Helper()
	rr := do(t, r, "POST", "/v1/memories", owner, apitypes.CreateRequest{
		Type:     types.TypeSemantic,
		Fields:   map[string]any{"name": name, "summary": summary, "details": summary},
		TreePath: []string{"tech"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.ItemResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Item
}

func TestHealth(t *testing.T) {
	h, r := setupTestServer(t)

	rr := do(t, r, "GET", "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var resp apitypes.HealthResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}

	h.SetHealthCheck(func(ctx context.Context) error { return errors.New("db down") })
	rr = do(t, r, "GET", "/health", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestCreateAndGet(t *testing.T) {
	_, r := setupTestServer(t)

	it := createSemantic(t, r, "alice", "Kafka", "a distributed log")
	if it.Type != types.TypeSemantic {
		t.Errorf("expected semantic item, got %q", it.Type)
	}
	if got := it.Payload.(*types.Semantic).Name; got != "Kafka" {
		t.Errorf("expected name 'Kafka', got %q", got)
	}

	rr := do(t, r, "GET", "/v1/memories/"+it.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.ItemResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Item.ID != it.ID {
		t.Errorf("expected id %s, got %s", it.ID, resp.Item.ID)
	}
}

func TestCreate_Validation(t *testing.T) {
	_, r := setupTestServer(t)

	tests := []struct {
		name  string
		owner string
		body  apitypes.CreateRequest
	}{
		{"missing owner", "", apitypes.CreateRequest{Type: types.TypeSemantic, Fields: map[string]any{"name": "a", "summary": "b"}}},
		{"unknown type", "alice", apitypes.CreateRequest{Type: "gossip", Fields: map[string]any{"name": "a"}}},
		{"missing field", "alice", apitypes.CreateRequest{Type: types.TypeSemantic, Fields: map[string]any{"name": "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, "POST", "/v1/memories", tt.owner, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp apitypes.ErrorResponse
			json.NewDecoder(rr.Body).Decode(&resp)
			if resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}

	req := httptest.NewRequest("POST", "/v1/memories", bytes.NewReader([]byte("{not json")))
	req.Header.Set(apitypes.HeaderOwnerID, "alice")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad json, got %d", rr.Code)
	}
}

func TestOtherOwnerGetsNotFound(t *testing.T) {
	_, r := setupTestServer(t)
	it := createSemantic(t, r, "alice", "Plan", "secret plan")

	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/memories/" + it.ID},
		{"DELETE", "/v1/memories/" + it.ID},
	} {
		rr := do(t, r, tc.method, tc.path, "bob", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", tc.method, rr.Code)
		}
	}
	rr := do(t, r, "PATCH", "/v1/memories/"+it.ID, "bob", apitypes.EditRequest{Fields: map[string]any{"summary": "pwned"}})
	if rr.Code != http.StatusNotFound {
		t.Errorf("PATCH: expected status 404, got %d", rr.Code)
	}

	rr = do(t, r, "GET", "/v1/memories/sem_unknown", "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown id, got %d", rr.Code)
	}
}

func TestEditMoveDelete(t *testing.T) {
	_, r := setupTestServer(t)
	it := createSemantic(t, r, "alice", "Kafka", "a distributed log")

	rr := do(t, r, "PATCH", "/v1/memories/"+it.ID, "alice", apitypes.EditRequest{Fields: map[string]any{"summary": "a commit log"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var edited apitypes.ItemResponse
	json.NewDecoder(rr.Body).Decode(&edited)
	if got := edited.Item.Payload.(*types.Semantic).Summary; got != "a commit log" {
		t.Errorf("expected edited summary, got %q", got)
	}

	rr = do(t, r, "PATCH", "/v1/memories/"+it.ID, "alice", apitypes.EditRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for empty patch, got %d", rr.Code)
	}

	rr = do(t, r, "PUT", "/v1/memories/"+it.ID+"/path", "alice", apitypes.MoveRequest{TreePath: []string{"infra", "streaming"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var moved apitypes.ItemResponse
	json.NewDecoder(rr.Body).Decode(&moved)
	if types.FormatPath(moved.Item.TreePath) != "infra/streaming" {
		t.Errorf("expected path infra/streaming, got %v", moved.Item.TreePath)
	}

	rr = do(t, r, "DELETE", "/v1/memories/"+it.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = do(t, r, "GET", "/v1/memories/"+it.ID, "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected deleted item to be gone, got %d", rr.Code)
	}

	rr = do(t, r, "DELETE", "/v1/memories/"+it.ID+"?hard=true", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected hard delete of soft-deleted item to succeed, got %d", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	_, r := setupTestServer(t)
	kafka := createSemantic(t, r, "alice", "Kafka", "a distributed log for event streaming")
	createSemantic(t, r, "alice", "Postgres", "a relational database")
	createSemantic(t, r, "bob", "Kafka", "bob's kafka notes")

	rr := do(t, r, "POST", "/v1/memories/search", "alice", apitypes.SearchRequest{
		Query: "kafka streaming",
		Types: []string{"semantic"},
		Limit: 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) == 0 {
		t.Fatal("expected results")
	}
	if resp.Results[0].Item.ID != kafka.ID {
		t.Errorf("expected kafka first, got %s", resp.Results[0].Item.ID)
	}
	for _, hit := range resp.Results {
		if hit.Item.OwnerID != "alice" {
			t.Errorf("leaked item of owner %q", hit.Item.OwnerID)
		}
	}

	rr = do(t, r, "POST", "/v1/memories/search", "alice", apitypes.SearchRequest{Query: "x", Modes: []string{"telepathy"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown mode, got %d", rr.Code)
	}
	rr = do(t, r, "POST", "/v1/memories/search", "alice", apitypes.SearchRequest{Query: "x", Types: []string{"gossip"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown type, got %d", rr.Code)
	}
}

func TestClassify(t *testing.T) {
	_, r := setupTestServer(t)

	rr := do(t, r, "POST", "/v1/memories/classify", "alice", apitypes.ClassifyRequest{
		Text:       "We talked about the Kafka migration plan.",
		SourceHint: "chat",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.ClassifyResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	ep, ok := resp.Results[types.TypeEpisodic]
	if !ok || ep.ID == "" {
		t.Fatalf("expected an episodic item, got %+v", resp.Results)
	}

	rr = do(t, r, "POST", "/v1/memories/classify", "alice", apitypes.ClassifyRequest{Text: "  "})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for empty text, got %d", rr.Code)
	}
}

func TestTree(t *testing.T) {
	_, r := setupTestServer(t)
	createSemantic(t, r, "alice", "Kafka", "a log")
	createSemantic(t, r, "alice", "Redis", "a cache")

	rr := do(t, r, "GET", "/v1/tree/semantic", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.TreeResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Tree == nil || resp.Tree.Total != 2 {
		t.Fatalf("expected 2 items in tree, got %+v", resp.Tree)
	}
	if len(resp.Tree.Children) != 1 || resp.Tree.Children[0].Label != "tech" {
		t.Errorf("expected a single tech category, got %+v", resp.Tree.Children)
	}

	rr = do(t, r, "GET", "/v1/tree/gossip", "alice", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown type, got %d", rr.Code)
	}
}

func TestReflexion(t *testing.T) {
	_, r := setupTestServer(t)

	rr := do(t, r, "POST", "/v1/reflexion", "alice", nil)
	if rr.Code != http.StatusAccepted && rr.Code != http.StatusOK {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var trig apitypes.ReflexionTriggerResponse
	json.NewDecoder(rr.Body).Decode(&trig)
	if trig.Result != string(reflexion.Accepted) && trig.Result != string(reflexion.AlreadyRunning) {
		t.Errorf("unexpected trigger result %q", trig.Result)
	}

	rr = do(t, r, "GET", "/v1/reflexion", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var st apitypes.ReflexionStatus
	json.NewDecoder(rr.Body).Decode(&st)
	if st.Owner != "alice" {
		t.Errorf("expected owner alice, got %q", st.Owner)
	}

	rr = do(t, r, "POST", "/v1/reflexion", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without owner, got %d", rr.Code)
	}
}

func TestBackfill(t *testing.T) {
	_, r := setupTestServer(t)
	createSemantic(t, r, "alice", "Kafka", "a log")

	rr := do(t, r, "POST", "/v1/embeddings/backfill", "alice", apitypes.BackfillRequest{Types: []string{"semantic"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp apitypes.BackfillResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if got := resp.Stats[types.TypeSemantic].Written; got != 3 {
		t.Errorf("expected 3 embeddings written, got %d", got)
	}
}
