// internal/apitypes/apitypes.go
// Package apitypes holds the JSON bodies shared by the HTTP API and its
// client.
package apitypes

import (
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Headers the upstream auth layer sets on every request.
const (
	HeaderOwnerID        = "X-Owner-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRequestID      = "X-Request-ID"
)

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ClassifyRequest is the body of POST /v1/memories/classify.
type ClassifyRequest struct {
	Text       string     `json:"text"`
	SourceHint string     `json:"source_hint,omitempty"`
	DedupKey   string     `json:"dedup_key,omitempty"`
	Title      string     `json:"title,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// TypeResult is one memory type's outcome in a classify call.
type TypeResult struct {
	ID          string   `json:"id,omitempty"`
	Created     bool     `json:"created"`
	TreePath    []string `json:"tree_path,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ClassifyResponse maps each chosen memory type to its result.
type ClassifyResponse struct {
	Results map[types.MemoryType]TypeResult `json:"results"`
}

// CreateRequest is the body of POST /v1/memories.
type CreateRequest struct {
	Type     types.MemoryType `json:"type"`
	Fields   map[string]any   `json:"fields"`
	TreePath []string         `json:"tree_path,omitempty"`
	DedupKey string           `json:"dedup_key,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ItemResponse wraps a single item.
type ItemResponse struct {
	Item    *types.Item `json:"item"`
	Created bool        `json:"created,omitempty"`
}

// EditRequest is the body of PATCH /v1/memories/{id}.
type EditRequest struct {
	Fields map[string]any `json:"fields"`
}

// MoveRequest is the body of PUT /v1/memories/{id}/path.
type MoveRequest struct {
	TreePath []string `json:"tree_path"`
}

// DeleteResponse confirms a delete.
type DeleteResponse struct {
	Message string `json:"message"`
}

// SearchRequest is the body of POST /v1/memories/search.
type SearchRequest struct {
	Query      string   `json:"query"`
	Types      []string `json:"types,omitempty"`
	Fields     []string `json:"fields,omitempty"`
	Modes      []string `json:"modes,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	PathPrefix []string `json:"path_prefix,omitempty"`
}

// ModeScores are the normalized per-mode scores behind a hit.
type ModeScores struct {
	Lexical float64 `json:"lexical,omitempty"`
	Vector  float64 `json:"vector,omitempty"`
	String  float64 `json:"string,omitempty"`
	Fuzzy   float64 `json:"fuzzy,omitempty"`
}

// SearchHit is one ranked item.
type SearchHit struct {
	Item   *types.Item `json:"item"`
	Score  float64     `json:"score"`
	Scores ModeScores  `json:"scores"`
}

// SearchResponse is returned by POST /v1/memories/search.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

// TreeNode is one category with its item counts.
type TreeNode struct {
	Label    string      `json:"label"`
	Path     []string    `json:"path"`
	Direct   int         `json:"direct"`
	Total    int         `json:"total"`
	Children []*TreeNode `json:"children,omitempty"`
}

// TreeResponse is returned by GET /v1/tree/{type}.
type TreeResponse struct {
	Type types.MemoryType `json:"type"`
	Tree *TreeNode        `json:"tree"`
}

// ReflexionReport describes one finished consolidation run.
type ReflexionReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   string    `json:"duration"`
	Proposed   int       `json:"proposed"`
	Applied    int       `json:"applied"`
	Error      string    `json:"error,omitempty"`
}

// ReflexionStatus is returned by GET /v1/reflexion.
type ReflexionStatus struct {
	Owner   string           `json:"owner"`
	State   string           `json:"state"`
	LastRun *ReflexionReport `json:"last_run,omitempty"`
}

// ReflexionTriggerResponse is returned by POST /v1/reflexion.
type ReflexionTriggerResponse struct {
	Result string `json:"result"`
}

// BackfillRequest is the body of POST /v1/embeddings/backfill.
type BackfillRequest struct {
	Types []string `json:"types,omitempty"`
}

// BackfillStats reports one type's backfill pass.
type BackfillStats struct {
	Claimed int `json:"claimed"`
	Written int `json:"written"`
	Stale   int `json:"stale"`
}

// BackfillResponse is returned by POST /v1/embeddings/backfill.
type BackfillResponse struct {
	Stats map[types.MemoryType]BackfillStats `json:"stats"`
	Error string                             `json:"error,omitempty"`
}
