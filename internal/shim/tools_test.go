package shim_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/shim"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// mockAPIClient implements shim.APIClient for testing
type mockAPIClient struct {
	items     map[string]*types.Item
	nextID    int
	lastReq   apitypes.SearchRequest
	deleted   map[string]bool
	classErr  error
	searchErr error
	triggered int
}

func newMockClient() *mockAPIClient {
	return &mockAPIClient{items: make(map[string]*types.Item), deleted: make(map[string]bool)}
}

func (m *mockAPIClient) add(p types.Payload, path ...string) *types.Item {
	m.nextID++
	it := &types.Item{
		ID:        fmt.Sprintf("%s_%d", p.Kind(), m.nextID),
		OwnerID:   "alice",
		Type:      p.Kind(),
		TreePath:  path,
		Payload:   p,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m.items[it.ID] = it
	return it
}

func (m *mockAPIClient) Classify(ctx context.Context, req apitypes.ClassifyRequest) (map[types.MemoryType]apitypes.TypeResult, error) {
	if m.classErr != nil {
		return nil, m.classErr
	}
	it := m.add(&types.Episodic{Summary: req.Text, Details: req.Text}, "chat")
	return map[types.MemoryType]apitypes.TypeResult{
		types.TypeEpisodic: {ID: it.ID, Created: true, TreePath: it.TreePath},
		types.TypeCore:     {Error: "invalid core.value: too long"},
	}, nil
}

func (m *mockAPIClient) Search(ctx context.Context, req apitypes.SearchRequest) ([]apitypes.SearchHit, error) {
	m.lastReq = req
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var hits []apitypes.SearchHit
	for _, it := range m.items {
		if strings.Contains(strings.ToLower(types.SearchText(it.Payload)), strings.ToLower(req.Query)) {
			hits = append(hits, apitypes.SearchHit{Item: it, Score: 1})
		}
	}
	return hits, nil
}

func (m *mockAPIClient) Get(ctx context.Context, id string) (*types.Item, error) {
	it, ok := m.items[id]
	if !ok || m.deleted[id] {
		return nil, types.ErrNotFound
	}
	return it, nil
}

func (m *mockAPIClient) Edit(ctx context.Context, id string, fields map[string]any) (*types.Item, error) {
	it, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := types.ApplyPatch(it.Payload, fields)
	if err != nil {
		return nil, err
	}
	it.Payload = p
	return it, nil
}

func (m *mockAPIClient) Move(ctx context.Context, id string, path []string) (*types.Item, error) {
	it, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	it.TreePath = path
	return it, nil
}

func (m *mockAPIClient) Delete(ctx context.Context, id string, hard bool) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	m.deleted[id] = true
	return nil
}

func (m *mockAPIClient) Tree(ctx context.Context, t types.MemoryType, prefix string) (*apitypes.TreeNode, error) {
	return &apitypes.TreeNode{Total: 3, Children: []*apitypes.TreeNode{{
		Label: "work", Path: []string{"work"}, Total: 3, Children: []*apitypes.TreeNode{
			{Label: "apollo", Path: []string{"work", "apollo"}, Direct: 2, Total: 2},
			{Label: "zeus", Path: []string{"work", "zeus"}, Direct: 1, Total: 1},
		},
	}}}, nil
}

func (m *mockAPIClient) TriggerReflexion(ctx context.Context) (string, error) {
	m.triggered++
	return "accepted", nil
}

func (m *mockAPIClient) ReflexionStatus(ctx context.Context) (*apitypes.ReflexionStatus, error) {
	return &apitypes.ReflexionStatus{Owner: "alice", State: "scanning", LastRun: &apitypes.ReflexionReport{
		FinishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Duration: "1.2s", Proposed: 4, Applied: 3,
	}}, nil
}

func text(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestRegister(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-shim", Version: "0.0.1"}, nil)
	shim.Register(server, shim.NewHandler(newMockClient()))
}

func TestShimHandler_Classify_Success(t *testing.T) {
	client := newMockClient()
	handler := shim.NewHandler(client)

	result, output, err := handler.Classify(context.Background(), nil, mcptypes.ClassifyInput{Text: "we met Bob"})
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Classify returned error result: %s", text(result))
	}
	if len(output.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(output.Results))
	}
	// Sorted by type name.
	if output.Results[0].Type != "core" || output.Results[0].Error == "" {
		t.Errorf("expected failed core result first, got %+v", output.Results[0])
	}
	if output.Results[1].Type != "episodic" || !output.Results[1].Created || output.Results[1].Path != "chat" {
		t.Errorf("unexpected episodic result %+v", output.Results[1])
	}
}

func TestShimHandler_Classify_Errors(t *testing.T) {
	handler := shim.NewHandler(newMockClient())
	result, _, _ := handler.Classify(context.Background(), nil, mcptypes.ClassifyInput{})
	if !result.IsError {
		t.Error("expected error for empty text")
	}

	client := newMockClient()
	client.classErr = errors.New("connection failed")
	result, _, _ = shim.NewHandler(client).Classify(context.Background(), nil, mcptypes.ClassifyInput{Text: "x"})
	if !result.IsError {
		t.Error("expected error result when client fails")
	}
}

func TestShimHandler_Search(t *testing.T) {
	client := newMockClient()
	client.add(&types.Semantic{Name: "JWT", Summary: "auth tokens", Details: "signed claims"}, "tech")
	handler := shim.NewHandler(client)

	result, output, err := handler.Search(context.Background(), nil, mcptypes.SearchInput{
		Query: "auth", Types: []string{"semantic"}, Path: "tech/", Limit: 3,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Search returned error result: %s", text(result))
	}
	if len(output.Results) != 1 || output.Results[0].Title != "JWT" {
		t.Fatalf("unexpected results %+v", output.Results)
	}
	if output.Results[0].UpdatedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected updated_at %q", output.Results[0].UpdatedAt)
	}
	if got := client.lastReq.PathPrefix; len(got) != 1 || got[0] != "tech" {
		t.Errorf("expected path prefix [tech], got %v", got)
	}

	result, output, _ = handler.Search(context.Background(), nil, mcptypes.SearchInput{Query: "nothing"})
	if result.IsError || len(output.Results) != 0 {
		t.Errorf("expected empty non-error result, got %s", text(result))
	}

	client.searchErr = errors.New("boom")
	result, _, _ = handler.Search(context.Background(), nil, mcptypes.SearchInput{Query: "auth"})
	if !result.IsError {
		t.Error("expected error result when client fails")
	}
}

func TestShimHandler_ItemLifecycle(t *testing.T) {
	client := newMockClient()
	it := client.add(&types.Semantic{Name: "Kafka", Summary: "a log", Details: "partitioned"}, "inbox")
	handler := shim.NewHandler(client)
	ctx := context.Background()

	_, got, _ := handler.Get(ctx, nil, mcptypes.GetInput{ID: it.ID})
	if got.Fields["name"] != "Kafka" {
		t.Errorf("expected name field, got %v", got.Fields)
	}

	result, _, _ := handler.Edit(ctx, nil, mcptypes.EditInput{ID: it.ID})
	if !result.IsError {
		t.Error("expected error for empty fields")
	}
	_, edited, _ := handler.Edit(ctx, nil, mcptypes.EditInput{ID: it.ID, Fields: map[string]any{"summary": "a commit log"}})
	if edited.Fields["summary"] != "a commit log" {
		t.Errorf("expected edited summary, got %v", edited.Fields)
	}

	_, moved, _ := handler.Move(ctx, nil, mcptypes.MoveInput{ID: it.ID, Path: "infra / streaming"})
	if moved.Item.Path != "infra/streaming" {
		t.Errorf("expected infra/streaming, got %q", moved.Item.Path)
	}

	result, deleted, _ := handler.Delete(ctx, nil, mcptypes.DeleteInput{ID: it.ID, Hard: true})
	if result.IsError || !strings.Contains(deleted.Message, "permanently") {
		t.Errorf("unexpected delete result %q", text(result))
	}

	result, _, _ = handler.Get(ctx, nil, mcptypes.GetInput{ID: it.ID})
	if !result.IsError || !strings.Contains(text(result), "not found") {
		t.Errorf("expected not found, got %q", text(result))
	}
}

func TestShimHandler_Tree(t *testing.T) {
	handler := shim.NewHandler(newMockClient())

	_, output, err := handler.Tree(context.Background(), nil, mcptypes.TreeInput{Type: "semantic"})
	if err != nil {
		t.Fatalf("Tree returned error: %v", err)
	}
	if output.Total != 3 || len(output.Categories) != 3 {
		t.Fatalf("unexpected tree %+v", output)
	}
	if output.Categories[1].Path != "work/apollo" || output.Categories[1].Direct != 2 {
		t.Errorf("unexpected category %+v", output.Categories[1])
	}

	result, _, _ := handler.Tree(context.Background(), nil, mcptypes.TreeInput{Type: "gossip"})
	if !result.IsError {
		t.Error("expected error for unknown type")
	}
}

func TestShimHandler_Reflexion(t *testing.T) {
	client := newMockClient()
	handler := shim.NewHandler(client)

	_, output, _ := handler.Reflexion(context.Background(), nil, mcptypes.ReflexionInput{})
	if output.Result != "accepted" || client.triggered != 1 {
		t.Errorf("expected a trigger, got %+v", output)
	}
	if output.State != "scanning" || !strings.Contains(output.LastRun, "applied 3 of 4") {
		t.Errorf("unexpected status %+v", output)
	}

	_, output, _ = handler.Reflexion(context.Background(), nil, mcptypes.ReflexionInput{Action: "status"})
	if client.triggered != 1 || output.Result != "" {
		t.Error("status must not trigger")
	}
}
