// internal/shim/tools.go
// Package shim serves the memory MCP tools by proxying them to the
// central HTTP API.
package shim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// APIClient is the subset of client.Client the shim needs.
type APIClient interface {
	Classify(ctx context.Context, req apitypes.ClassifyRequest) (map[types.MemoryType]apitypes.TypeResult, error)
	Search(ctx context.Context, req apitypes.SearchRequest) ([]apitypes.SearchHit, error)
	Get(ctx context.Context, id string) (*types.Item, error)
	Edit(ctx context.Context, id string, fields map[string]any) (*types.Item, error)
	Move(ctx context.Context, id string, path []string) (*types.Item, error)
	Delete(ctx context.Context, id string, hard bool) error
	Tree(ctx context.Context, t types.MemoryType, prefix string) (*apitypes.TreeNode, error)
	TriggerReflexion(ctx context.Context) (string, error)
	ReflexionStatus(ctx context.Context) (*apitypes.ReflexionStatus, error)
}

// Handler holds shim dependencies
type Handler struct {
	client APIClient
}

// NewHandler creates a new shim handler
func NewHandler(c APIClient) *Handler {
	return &Handler{client: c}
}

// Register adds all memory tools to the MCP server
func Register(server *mcp.Server, h *Handler) {
	mcp.AddTool(server, mcptypes.ClassifyTool, h.Classify)
	mcp.AddTool(server, mcptypes.SearchTool, h.Search)
	mcp.AddTool(server, mcptypes.GetTool, h.Get)
	mcp.AddTool(server, mcptypes.EditTool, h.Edit)
	mcp.AddTool(server, mcptypes.MoveTool, h.Move)
	mcp.AddTool(server, mcptypes.DeleteTool, h.Delete)
	mcp.AddTool(server, mcptypes.TreeTool, h.Tree)
	mcp.AddTool(server, mcptypes.ReflexionTool, h.Reflexion)
}

func (h *Handler) Classify(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.ClassifyInput) (*mcp.CallToolResult, mcptypes.ClassifyOutput, error) {
	if strings.TrimSpace(input.Text) == "" {
		return mcptypes.ErrorResult("text is required"), mcptypes.ClassifyOutput{}, nil
	}

	results, err := h.client.Classify(ctx, apitypes.ClassifyRequest{
		Text:       input.Text,
		SourceHint: input.SourceHint,
		DedupKey:   input.DedupKey,
		Title:      input.Title,
		Actor:      input.Actor,
	})
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to store memory: %v", err)), mcptypes.ClassifyOutput{}, nil
	}

	out := mcptypes.ClassifyOutput{Results: make([]mcptypes.ClassifyResult, 0, len(results))}
	for t, r := range results {
		out.Results = append(out.Results, mcptypes.ClassifyResult{
			Type:        string(t),
			ID:          r.ID,
			Created:     r.Created,
			Path:        types.FormatPath(r.TreePath),
			Placeholder: r.Placeholder,
			Missing:     r.Missing,
			Error:       r.Error,
		})
	}
	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].Type < out.Results[j].Type })
	return mcptypes.JSONResult("Memory stored:", out), out, nil
}

func (h *Handler) Search(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.SearchInput) (*mcp.CallToolResult, mcptypes.SearchOutput, error) {
	hits, err := h.client.Search(ctx, apitypes.SearchRequest{
		Query:      input.Query,
		Types:      input.Types,
		Fields:     input.Fields,
		Modes:      input.Modes,
		Limit:      input.Limit,
		PathPrefix: types.ParsePath(input.Path),
	})
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to search: %v", err)), mcptypes.SearchOutput{}, nil
	}

	out := mcptypes.SearchOutput{Results: make([]mcptypes.ItemView, 0, len(hits))}
	for _, hit := range hits {
		if hit.Item != nil {
			out.Results = append(out.Results, mcptypes.NewItemView(hit.Item, hit.Score))
		}
	}
	if len(out.Results) == 0 {
		return mcptypes.TextResult("No matching memories found."), out, nil
	}
	return mcptypes.JSONResult("", out.Results), out, nil
}

func (h *Handler) Get(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.GetInput) (*mcp.CallToolResult, mcptypes.ItemOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.ItemOutput{}, nil
	}
	it, err := h.client.Get(ctx, input.ID)
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.ItemOutput{}, nil
	}
	out := mcptypes.ItemOutput{Item: mcptypes.NewItemView(it, 0), Fields: mcptypes.PayloadFields(it.Payload)}
	return mcptypes.JSONResult("", out), out, nil
}

func (h *Handler) Edit(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.EditInput) (*mcp.CallToolResult, mcptypes.ItemOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.ItemOutput{}, nil
	}
	if len(input.Fields) == 0 {
		return mcptypes.ErrorResult("fields are required"), mcptypes.ItemOutput{}, nil
	}
	it, err := h.client.Edit(ctx, input.ID, input.Fields)
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.ItemOutput{}, nil
	}
	out := mcptypes.ItemOutput{Item: mcptypes.NewItemView(it, 0), Fields: mcptypes.PayloadFields(it.Payload)}
	return mcptypes.JSONResult("Memory updated:", out), out, nil
}

func (h *Handler) Move(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.MoveInput) (*mcp.CallToolResult, mcptypes.ItemOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.ItemOutput{}, nil
	}
	it, err := h.client.Move(ctx, input.ID, types.ParsePath(input.Path))
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.ItemOutput{}, nil
	}
	out := mcptypes.ItemOutput{Item: mcptypes.NewItemView(it, 0)}
	return mcptypes.TextResult(fmt.Sprintf("Memory %s moved to %s.", it.ID, out.Item.Path)), out, nil
}

func (h *Handler) Delete(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.DeleteInput) (*mcp.CallToolResult, mcptypes.DeleteOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.DeleteOutput{}, nil
	}
	if err := h.client.Delete(ctx, input.ID, input.Hard); err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.DeleteOutput{}, nil
	}

	msg := fmt.Sprintf("Memory %s has been deleted.", input.ID)
	if input.Hard {
		msg = fmt.Sprintf("Memory %s has been permanently removed.", input.ID)
	}
	return mcptypes.TextResult(msg), mcptypes.DeleteOutput{Message: msg}, nil
}

func (h *Handler) Tree(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.TreeInput) (*mcp.CallToolResult, mcptypes.TreeOutput, error) {
	t := types.MemoryType(input.Type)
	if err := t.Validate(); err != nil {
		return mcptypes.ErrorResult(err.Error()), mcptypes.TreeOutput{}, nil
	}
	n, err := h.client.Tree(ctx, t, input.Prefix)
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to load tree: %v", err)), mcptypes.TreeOutput{}, nil
	}

	out := mcptypes.TreeOutput{Type: string(t), Categories: []mcptypes.TreeEntry{}}
	if n != nil {
		out.Total = n.Total
		flatten(n, &out.Categories)
	}
	if len(out.Categories) == 0 {
		return mcptypes.TextResult("No categories yet."), out, nil
	}
	return mcptypes.JSONResult("", out), out, nil
}

func (h *Handler) Reflexion(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.ReflexionInput) (*mcp.CallToolResult, mcptypes.ReflexionOutput, error) {
	var out mcptypes.ReflexionOutput
	switch input.Action {
	case "", "trigger":
		res, err := h.client.TriggerReflexion(ctx)
		if err != nil {
			return mcptypes.ErrorResult(fmt.Sprintf("failed to start reflexion: %v", err)), out, nil
		}
		out.Result = res
	case "status":
	default:
		return mcptypes.ErrorResult("action must be trigger or status"), out, nil
	}

	st, err := h.client.ReflexionStatus(ctx)
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to get reflexion status: %v", err)), out, nil
	}
	out.State = st.State
	if r := st.LastRun; r != nil {
		if r.Error != "" {
			out.LastRun = fmt.Sprintf("%s: failed after %s: %s", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Duration, r.Error)
		} else {
			out.LastRun = fmt.Sprintf("%s: applied %d of %d changes in %s", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Applied, r.Proposed, r.Duration)
		}
	}
	return mcptypes.JSONResult("", out), out, nil
}

func flatten(n *apitypes.TreeNode, out *[]mcptypes.TreeEntry) {
	if len(n.Path) > 0 {
		*out = append(*out, mcptypes.TreeEntry{Path: types.FormatPath(n.Path), Direct: n.Direct, Total: n.Total})
	}
	for _, c := range n.Children {
		flatten(c, out)
	}
}

func describe(err error, id string) string {
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Sprintf("memory %s not found", id)
	}
	return err.Error()
}
