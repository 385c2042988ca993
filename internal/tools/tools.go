// internal/tools/tools.go
// Package tools exposes the memory service as MCP tools for one owner.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/classifier"
	"github.com/MereWhiplash/engram-cortex/internal/mcptypes"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/service"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Handler holds dependencies for tool handlers
type Handler struct {
	svc   *service.Service
	scope types.Scope
}

// NewHandler binds the tools to one owner.
func NewHandler(svc *service.Service, scope types.Scope) *Handler {
	return &Handler{svc: svc, scope: scope}
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

	results, err := h.svc.ClassifyAndStore(ctx, h.scope, classifier.ContentUnit{
		Text:       input.Text,
		SourceHint: classifier.SourceHint(input.SourceHint),
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
	ts, err := types.ParseTypes(input.Types)
	if err != nil {
		return mcptypes.ErrorResult(err.Error()), mcptypes.SearchOutput{}, nil
	}
	modes, err := search.ParseModes(input.Modes)
	if err != nil {
		return mcptypes.ErrorResult(err.Error()), mcptypes.SearchOutput{}, nil
	}

	results, err := h.svc.Search(ctx, search.Request{
		Scope:      h.scope,
		Query:      input.Query,
		Types:      ts,
		Fields:     input.Fields,
		Modes:      modes,
		Limit:      input.Limit,
		PathPrefix: types.ParsePath(input.Path),
	})
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to search: %v", err)), mcptypes.SearchOutput{}, nil
	}

	out := mcptypes.SearchOutput{Results: make([]mcptypes.ItemView, len(results))}
	for i, r := range results {
		out.Results[i] = mcptypes.NewItemView(r.Item, r.Score)
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
	it, err := h.svc.GetItem(ctx, h.scope, input.ID)
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.ItemOutput{}, nil
	}
	out := itemOutput(it)
	return mcptypes.JSONResult("", out), out, nil
}

func (h *Handler) Edit(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.EditInput) (*mcp.CallToolResult, mcptypes.ItemOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.ItemOutput{}, nil
	}
	it, err := h.svc.EditItem(ctx, h.scope, input.ID, types.FieldPatch(input.Fields))
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.ItemOutput{}, nil
	}
	out := itemOutput(it)
	return mcptypes.JSONResult("Memory updated:", out), out, nil
}

func (h *Handler) Move(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.MoveInput) (*mcp.CallToolResult, mcptypes.ItemOutput, error) {
	if input.ID == "" {
		return mcptypes.ErrorResult("id is required"), mcptypes.ItemOutput{}, nil
	}
	it, err := h.svc.MoveItem(ctx, h.scope, input.ID, types.ParsePath(input.Path))
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

	var err error
	msg := fmt.Sprintf("Memory %s has been deleted.", input.ID)
	if input.Hard {
		err = h.svc.HardDeleteItem(ctx, h.scope, input.ID)
		msg = fmt.Sprintf("Memory %s has been permanently removed.", input.ID)
	} else {
		err = h.svc.DeleteItem(ctx, h.scope, input.ID)
	}
	if err != nil {
		return mcptypes.ErrorResult(describe(err, input.ID)), mcptypes.DeleteOutput{}, nil
	}
	return mcptypes.TextResult(msg), mcptypes.DeleteOutput{Message: msg}, nil
}

func (h *Handler) Tree(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.TreeInput) (*mcp.CallToolResult, mcptypes.TreeOutput, error) {
	t := types.MemoryType(input.Type)
	if err := t.Validate(); err != nil {
		return mcptypes.ErrorResult(err.Error()), mcptypes.TreeOutput{}, nil
	}
	n, err := h.svc.GetTree(ctx, h.scope, t, types.ParsePath(input.Prefix))
	if err != nil {
		return mcptypes.ErrorResult(fmt.Sprintf("failed to load tree: %v", err)), mcptypes.TreeOutput{}, nil
	}

	out := mcptypes.TreeOutput{Type: string(t), Total: n.Total, Categories: []mcptypes.TreeEntry{}}
	n.Walk(func(c *tree.Node) bool {
		if len(c.Path) > 0 {
			out.Categories = append(out.Categories, mcptypes.TreeEntry{
				Path: types.FormatPath(c.Path), Direct: c.Direct, Total: c.Total,
			})
		}
		return true
	})
	if len(out.Categories) == 0 {
		return mcptypes.TextResult("No categories yet."), out, nil
	}
	return mcptypes.JSONResult("", out), out, nil
}

func (h *Handler) Reflexion(ctx context.Context, req *mcp.CallToolRequest, input mcptypes.ReflexionInput) (*mcp.CallToolResult, mcptypes.ReflexionOutput, error) {
	var out mcptypes.ReflexionOutput
	switch input.Action {
	case "", "trigger":
		res, err := h.svc.TriggerReflexion(ctx, h.scope)
		if err != nil {
			return mcptypes.ErrorResult(fmt.Sprintf("failed to start reflexion: %v", err)), out, nil
		}
		out.Result = string(res)
	case "status":
	default:
		return mcptypes.ErrorResult("action must be trigger or status"), out, nil
	}

	st, err := h.svc.ReflexionStatus(h.scope)
	if err != nil {
		return mcptypes.ErrorResult(err.Error()), out, nil
	}
	out.State = string(st.State)
	out.LastRun = lastRun(st.LastRun)
	return mcptypes.JSONResult("", out), out, nil
}

func itemOutput(it *types.Item) mcptypes.ItemOutput {
	return mcptypes.ItemOutput{Item: mcptypes.NewItemView(it, 0), Fields: mcptypes.PayloadFields(it.Payload)}
}

func lastRun(r *reflexion.Report) string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return fmt.Sprintf("%s: failed after %s: %s", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Duration, r.Error)
	}
	return fmt.Sprintf("%s: applied %d of %d changes in %s", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Applied, r.Proposed, r.Duration)
}

func describe(err error, id string) string {
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Sprintf("memory %s not found", id)
	}
	return err.Error()
}
