// internal/mcptypes/types.go
// Package mcptypes contains shared MCP tool input/output types.
// These are used by both the direct MCP server (tools) and the shim proxy.
package mcptypes

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// ClassifyInput defines the input schema for memory_classify
type ClassifyInput struct {
	Text       string `json:"text" jsonschema:"the content to remember"`
	SourceHint string `json:"source_hint,omitempty" jsonschema:"where the text came from: chat, document or screenshot (default chat)"`
	DedupKey   string `json:"dedup_key,omitempty" jsonschema:"stable key such as file#chunk; re-sending it updates instead of duplicating"`
	Title      string `json:"title,omitempty" jsonschema:"document title, for documents and screenshots"`
	Actor      string `json:"actor,omitempty" jsonschema:"who said or did it (default: the owner)"`
}

// ClassifyResult is one memory type's outcome.
type ClassifyResult struct {
	Type        string   `json:"type"`
	ID          string   `json:"id,omitempty"`
	Created     bool     `json:"created"`
	Path        string   `json:"path,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ClassifyOutput defines the output schema for memory_classify
type ClassifyOutput struct {
	Results []ClassifyResult `json:"results"`
}

// SearchInput defines the input schema for memory_search
type SearchInput struct {
	Query  string   `json:"query" jsonschema:"what to look for; empty lists the most recent items"`
	Types  []string `json:"types,omitempty" jsonschema:"memory types to search (default all)"`
	Modes  []string `json:"modes,omitempty" jsonschema:"lexical, vector, string, fuzzy, hybrid or all (default hybrid)"`
	Fields []string `json:"fields,omitempty" jsonschema:"restrict matching to these indexed fields"`
	Path   string   `json:"path,omitempty" jsonschema:"only items under this category path, e.g. work/projects"`
	Limit  int      `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
}

// ItemView is the flattened form of an item shown to tool callers.
type ItemView struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Path      string  `json:"path"`
	Title     string  `json:"title"`
	Text      string  `json:"text"`
	UpdatedAt string  `json:"updated_at"`
	Score     float64 `json:"score,omitempty"`
}

// SearchOutput defines the output schema for memory_search
type SearchOutput struct {
	Results []ItemView `json:"results"`
}

// GetInput defines the input schema for memory_get
type GetInput struct {
	ID string `json:"id" jsonschema:"ID of the memory"`
}

// ItemOutput is returned by tools that act on one item.
type ItemOutput struct {
	Item   ItemView       `json:"item"`
	Fields map[string]any `json:"fields,omitempty"`
}

// EditInput defines the input schema for memory_edit
type EditInput struct {
	ID     string         `json:"id" jsonschema:"ID of the memory to edit"`
	Fields map[string]any `json:"fields" jsonschema:"field names and their new values"`
}

// MoveInput defines the input schema for memory_move
type MoveInput struct {
	ID   string `json:"id" jsonschema:"ID of the memory to move"`
	Path string `json:"path" jsonschema:"new category path, e.g. work/projects/apollo"`
}

// DeleteInput defines the input schema for memory_delete
type DeleteInput struct {
	ID   string `json:"id" jsonschema:"ID of the memory to delete"`
	Hard bool   `json:"hard,omitempty" jsonschema:"remove permanently instead of hiding"`
}

// DeleteOutput defines the output schema for memory_delete
type DeleteOutput struct {
	Message string `json:"message"`
}

// TreeInput defines the input schema for memory_tree
type TreeInput struct {
	Type   string `json:"type" jsonschema:"memory type whose categories to show"`
	Prefix string `json:"prefix,omitempty" jsonschema:"only show categories under this path"`
}

// TreeEntry is one category with its item counts.
type TreeEntry struct {
	Path   string `json:"path"`
	Direct int    `json:"direct"`
	Total  int    `json:"total"`
}

// TreeOutput defines the output schema for memory_tree
type TreeOutput struct {
	Type       string      `json:"type"`
	Total      int         `json:"total"`
	Categories []TreeEntry `json:"categories"`
}

// ReflexionInput defines the input schema for memory_reflexion
type ReflexionInput struct {
	Action string `json:"action,omitempty" jsonschema:"trigger (default) or status"`
}

// ReflexionOutput defines the output schema for memory_reflexion
type ReflexionOutput struct {
	Result  string `json:"result,omitempty"`
	State   string `json:"state"`
	LastRun string `json:"last_run,omitempty"`
}

// NewItemView flattens an item. Vault secrets never appear: only the
// caption is part of an item's search text.
func NewItemView(it *types.Item, score float64) ItemView {
	v := ItemView{
		ID:    it.ID,
		Type:  string(it.Type),
		Path:  types.FormatPath(it.TreePath),
		Title: Title(it.Payload),
		Text:  types.SearchText(it.Payload),
		Score: score,
	}
	if !it.UpdatedAt.IsZero() {
		v.UpdatedAt = it.UpdatedAt.Format(time.RFC3339)
	}
	return v
}

// Title picks the field that best names a payload.
func Title(p types.Payload) string {
	switch p := p.(type) {
	case *types.Core:
		return p.Label
	case *types.Episodic:
		return p.Summary
	case *types.Semantic:
		return p.Name
	case *types.Procedural:
		return p.Summary
	case *types.Resource:
		return p.Title
	case *types.KnowledgeVault:
		return p.Caption
	}
	return ""
}

// PayloadFields returns the payload as a field map with any vault secret
// withheld.
func PayloadFields(p types.Payload) map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	if _, ok := fields["secret_value"]; ok {
		fields["secret_value"] = "[withheld]"
	}
	return fields
}

// TextResult creates a successful MCP result with text content
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// ErrorResult creates an error MCP result
func ErrorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// JSONResult renders v as indented JSON text.
func JSONResult(prefix string, v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("failed to format response: " + err.Error())
	}
	if prefix != "" {
		return TextResult(prefix + "\n" + string(data))
	}
	return TextResult(string(data))
}

// Tool definitions (shared between server and shim)
var (
	ClassifyTool = &mcp.Tool{
		Name:        "memory_classify",
		Description: "Remember a piece of text: it is classified into memory types, filed under a category and stored",
	}

	SearchTool = &mcp.Tool{
		Name:        "memory_search",
		Description: "Search memories with keyword, semantic, exact and typo-tolerant matching",
	}

	GetTool = &mcp.Tool{
		Name:        "memory_get",
		Description: "Fetch one memory with all its fields",
	}

	EditTool = &mcp.Tool{
		Name:        "memory_edit",
		Description: "Change fields of a memory",
	}

	MoveTool = &mcp.Tool{
		Name:        "memory_move",
		Description: "File a memory under a different category path",
	}

	DeleteTool = &mcp.Tool{
		Name:        "memory_delete",
		Description: "Delete a memory (hidden from search; hard=true removes it for good)",
	}

	TreeTool = &mcp.Tool{
		Name:        "memory_tree",
		Description: "Show the category tree of a memory type with item counts",
	}

	ReflexionTool = &mcp.Tool{
		Name:        "memory_reflexion",
		Description: "Reorganize categories in the background (merge near-duplicates), or report its status",
	}
)
