package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/client"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

var alice = types.Scope{OwnerID: "alice", OrganizationID: "acme"}

func TestClient_Create_Success(t *testing.T) {
	expected := &types.Item{
		ID:        types.NewID(types.TypeSemantic),
		OwnerID:   "alice",
		Type:      types.TypeSemantic,
		TreePath:  []string{"tech"},
		Payload:   &types.Semantic{Name: "JWT", Summary: "stateless tokens", Details: "signed claims"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/memories" {
			t.Errorf("expected /v1/memories, got %s", r.URL.Path)
		}

		var req apitypes.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Type != types.TypeSemantic {
			t.Errorf("expected type 'semantic', got %q", req.Type)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(apitypes.ItemResponse{Item: expected, Created: true})
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	it, created, err := c.Create(context.Background(), apitypes.CreateRequest{
		Type:   types.TypeSemantic,
		Fields: map[string]any{"name": "JWT", "summary": "stateless tokens", "details": "signed claims"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Error("expected created")
	}
	if it.ID != expected.ID {
		t.Errorf("expected ID %s, got %s", expected.ID, it.ID)
	}
	sem, ok := it.Payload.(*types.Semantic)
	if !ok || sem.Name != "JWT" {
		t.Errorf("expected semantic payload named JWT, got %#v", it.Payload)
	}
}

func TestClient_SendsScopeHeaders(t *testing.T) {
	var capturedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedHeaders = r.Header
		json.NewEncoder(w).Encode(apitypes.ReflexionTriggerResponse{Result: "accepted"})
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	if _, err := c.TriggerReflexion(context.Background()); err != nil {
		t.Fatalf("TriggerReflexion failed: %v", err)
	}

	if capturedHeaders.Get(apitypes.HeaderOwnerID) != "alice" {
		t.Errorf("expected owner header 'alice', got %q", capturedHeaders.Get(apitypes.HeaderOwnerID))
	}
	if capturedHeaders.Get(apitypes.HeaderOrganizationID) != "acme" {
		t.Errorf("expected org header 'acme', got %q", capturedHeaders.Get(apitypes.HeaderOrganizationID))
	}
}

func TestClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apitypes.SearchRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "auth" || req.Limit != 3 {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(apitypes.SearchResponse{Results: []apitypes.SearchHit{{
			Item:   &types.Item{ID: "x", Type: types.TypeCore, Payload: &types.Core{Label: "name", Value: "Alice"}},
			Score:  0.9,
			Scores: apitypes.ModeScores{Lexical: 1},
		}}})
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	hits, err := c.Search(context.Background(), apitypes.SearchRequest{Query: "auth", Limit: 3})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 0.9 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if core, ok := hits[0].Item.Payload.(*types.Core); !ok || core.Value != "Alice" {
		t.Errorf("expected core payload, got %#v", hits[0].Item.Payload)
	}
}

func TestClient_Delete_Paths(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		paths = append(paths, r.URL.RequestURI())
		json.NewEncoder(w).Encode(apitypes.DeleteResponse{Message: "ok"})
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	if err := c.Delete(context.Background(), "semantic_1", false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := c.Delete(context.Background(), "semantic_1", true); err != nil {
		t.Fatalf("hard Delete failed: %v", err)
	}
	if paths[0] != "/v1/memories/semantic_1" || paths[1] != "/v1/memories/semantic_1?hard=true" {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestClient_Tree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tree/semantic" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("prefix") != "work/apollo" {
			t.Errorf("unexpected prefix %q", r.URL.Query().Get("prefix"))
		}
		json.NewEncoder(w).Encode(apitypes.TreeResponse{Type: types.TypeSemantic, Tree: &apitypes.TreeNode{
			Label: "apollo", Path: []string{"work", "apollo"}, Direct: 2, Total: 2,
		}})
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	n, err := c.Tree(context.Background(), types.TypeSemantic, "work/apollo")
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if n.Total != 2 {
		t.Errorf("expected total 2, got %d", n.Total)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"not found", http.StatusNotFound, types.ErrNotFound},
		{"validation", http.StatusBadRequest, types.ErrValidation},
		{"embedding", http.StatusServiceUnavailable, types.ErrEmbeddingUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(apitypes.ErrorResponse{Error: "nope", Field: "x"})
			}))
			defer server.Close()

			c := client.New(server.URL, alice)
			_, err := c.Get(context.Background(), "semantic_1")
			if !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tt.status || apiErr.Message != "nope" {
				t.Errorf("unexpected error %#v", err)
			}
		})
	}
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := client.New(server.URL, alice)
	_, err := c.ReflexionStatus(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, types.ErrNotFound) {
		t.Error("500 must not look like not found")
	}
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apitypes.HealthResponse{Status: "ok"})
	}))
	defer server.Close()

	if err := client.New(server.URL, types.Scope{}).Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestClient_ConnectionError(t *testing.T) {
	c := client.New("http://127.0.0.1:1", alice)
	if _, err := c.TriggerReflexion(context.Background()); err == nil {
		t.Error("expected connection error")
	}
}
