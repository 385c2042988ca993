// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/classifier"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/service"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Handlers holds HTTP handler dependencies
type Handlers struct {
	svc         *service.Service
	log         *slog.Logger
	healthCheck func(ctx context.Context) error
}

// NewHandlers creates new API handlers
func NewHandlers(svc *service.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, log: logger}
}

// SetHealthCheck makes /health report 503 while fn fails.
func (h *Handlers) SetHealthCheck(fn func(ctx context.Context) error) {
	h.healthCheck = fn
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, apitypes.ErrorResponse{Error: msg})
}

// respondErr maps service errors onto status codes.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondJSON(w, http.StatusBadRequest, apitypes.ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, types.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "memory not found")
	case errors.Is(err, reflexion.ErrAlreadyRunning):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.log.Error("request failed", "error", err, "path", r.URL.Path, "request_id", GetRequestID(r.Context()))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.healthCheck != nil {
		if err := h.healthCheck(r.Context()); err != nil {
			h.log.Warn("health check failed", "error", err)
			h.respondJSON(w, http.StatusServiceUnavailable, apitypes.HealthResponse{Status: "unavailable"})
			return
		}
	}
	h.respondJSON(w, http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

// Classify handles POST /v1/memories/classify
func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var req apitypes.ClassifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	unit := classifier.ContentUnit{
		Text:       req.Text,
		SourceHint: classifier.SourceHint(req.SourceHint),
		DedupKey:   req.DedupKey,
		Title:      req.Title,
		Actor:      req.Actor,
	}
	if req.OccurredAt != nil {
		unit.OccurredAt = *req.OccurredAt
	}

	results, err := h.svc.ClassifyAndStore(r.Context(), GetScope(r.Context()), unit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	status := http.StatusOK
	out := make(map[types.MemoryType]apitypes.TypeResult, len(results))
	for t, res := range results {
		out[t] = toTypeResult(res)
		if res.Created {
			status = http.StatusCreated
		}
	}
	h.respondJSON(w, status, apitypes.ClassifyResponse{Results: out})
}

// Create handles POST /v1/memories
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req apitypes.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Type.Validate(); err != nil {
		h.respondErr(w, r, &types.ValidationError{Field: "type", Constraint: err.Error()})
		return
	}

	payload, _, err := types.PayloadFromFields(req.Type, req.Fields)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	it, created, err := h.svc.CreateItem(r.Context(), GetScope(r.Context()), memory.Draft{
		Payload:  payload,
		TreePath: req.TreePath,
		DedupKey: req.DedupKey,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, apitypes.ItemResponse{Item: publicItem(it), Created: created})
}

// Get handles GET /v1/memories/{id}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	it, err := h.svc.GetItem(r.Context(), GetScope(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, apitypes.ItemResponse{Item: publicItem(it)})
}

// Edit handles PATCH /v1/memories/{id}
func (h *Handlers) Edit(w http.ResponseWriter, r *http.Request) {
	var req apitypes.EditRequest
	if !h.decode(w, r, &req) {
		return
	}

	it, err := h.svc.EditItem(r.Context(), GetScope(r.Context()), chi.URLParam(r, "id"), types.FieldPatch(req.Fields))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, apitypes.ItemResponse{Item: publicItem(it)})
}

// Move handles PUT /v1/memories/{id}/path
func (h *Handlers) Move(w http.ResponseWriter, r *http.Request) {
	var req apitypes.MoveRequest
	if !h.decode(w, r, &req) {
		return
	}

	it, err := h.svc.MoveItem(r.Context(), GetScope(r.Context()), chi.URLParam(r, "id"), req.TreePath)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, apitypes.ItemResponse{Item: publicItem(it)})
}

// Delete handles DELETE /v1/memories/{id}. ?hard=true purges the item.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	hard := r.URL.Query().Get("hard") == "true"

	var err error
	if hard {
		err = h.svc.HardDeleteItem(ctx, GetScope(ctx), id)
	} else {
		err = h.svc.DeleteItem(ctx, GetScope(ctx), id)
	}
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	msg := fmt.Sprintf("Memory %s has been deleted.", id)
	if hard {
		msg = fmt.Sprintf("Memory %s has been permanently removed.", id)
	}
	h.respondJSON(w, http.StatusOK, apitypes.DeleteResponse{Message: msg})
}

// Search handles POST /v1/memories/search
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req apitypes.SearchRequest
	if !h.decode(w, r, &req) {
		return
	}

	ts, err := types.ParseTypes(req.Types)
	if err != nil {
		h.respondErr(w, r, &types.ValidationError{Field: "types", Constraint: err.Error()})
		return
	}
	modes, err := search.ParseModes(req.Modes)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	results, err := h.svc.Search(r.Context(), search.Request{
		Scope:      GetScope(r.Context()),
		Query:      req.Query,
		Types:      ts,
		Fields:     req.Fields,
		Modes:      modes,
		Limit:      req.Limit,
		PathPrefix: req.PathPrefix,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	hits := make([]apitypes.SearchHit, len(results))
	for i, res := range results {
		hits[i] = apitypes.SearchHit{
			Item:  publicItem(res.Item),
			Score: res.Score,
			Scores: apitypes.ModeScores{
				Lexical: res.Scores.Lexical,
				Vector:  res.Scores.Vector,
				String:  res.Scores.String,
				Fuzzy:   res.Scores.Fuzzy,
			},
		}
	}
	h.respondJSON(w, http.StatusOK, apitypes.SearchResponse{Results: hits})
}

// Tree handles GET /v1/tree/{type}?prefix=a/b
func (h *Handlers) Tree(w http.ResponseWriter, r *http.Request) {
	t := types.MemoryType(chi.URLParam(r, "type"))
	if err := t.Validate(); err != nil {
		h.respondErr(w, r, &types.ValidationError{Field: "type", Constraint: err.Error()})
		return
	}

	n, err := h.svc.GetTree(r.Context(), GetScope(r.Context()), t, types.ParsePath(r.URL.Query().Get("prefix")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, apitypes.TreeResponse{Type: t, Tree: toTreeNode(n)})
}

// TriggerReflexion handles POST /v1/reflexion
func (h *Handlers) TriggerReflexion(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.TriggerReflexion(r.Context(), GetScope(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res == reflexion.AlreadyRunning {
		status = http.StatusOK
	}
	h.respondJSON(w, status, apitypes.ReflexionTriggerResponse{Result: string(res)})
}

// ReflexionStatus handles GET /v1/reflexion
func (h *Handlers) ReflexionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.ReflexionStatus(GetScope(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toReflexionStatus(st))
}

// Backfill handles POST /v1/embeddings/backfill
func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	var req apitypes.BackfillRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	ts, err := types.ParseTypes(req.Types)
	if err != nil {
		h.respondErr(w, r, &types.ValidationError{Field: "types", Constraint: err.Error()})
		return
	}

	stats, err := h.svc.Backfill(r.Context(), ts)
	if stats == nil {
		h.respondErr(w, r, err)
		return
	}

	resp := apitypes.BackfillResponse{Stats: make(map[types.MemoryType]apitypes.BackfillStats, len(stats))}
	for t, s := range stats {
		resp.Stats[t] = apitypes.BackfillStats{Claimed: s.Claimed, Written: s.Written, Stale: s.Stale}
	}
	if err != nil {
		// Partial failure: report what was done alongside the error.
		resp.Error = err.Error()
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func toTypeResult(res service.StoreResult) apitypes.TypeResult {
	return apitypes.TypeResult{
		ID:          res.ID,
		Created:     res.Created,
		TreePath:    res.TreePath,
		Placeholder: res.Placeholder,
		Missing:     res.Missing,
		Error:       res.Error,
	}
}

func toReflexionStatus(st reflexion.Status) apitypes.ReflexionStatus {
	out := apitypes.ReflexionStatus{Owner: st.Owner, State: string(st.State)}
	if r := st.LastRun; r != nil {
		out.LastRun = &apitypes.ReflexionReport{
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Duration:   r.Duration,
			Proposed:   r.Proposed,
			Applied:    r.Applied,
			Error:      r.Error,
		}
	}
	return out
}

// splitOrigins parses a comma-separated origin list.
func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func toTreeNode(n *tree.Node) *apitypes.TreeNode {
	if n == nil {
		return nil
	}
	out := &apitypes.TreeNode{Label: n.Label, Path: n.Path, Direct: n.Direct, Total: n.Total}
	for _, c := range n.Children {
		out.Children = append(out.Children, toTreeNode(c))
	}
	return out
}

// publicItem drops embedding vectors from responses; the slots stay so
// callers can see which fields are still pending.
func publicItem(it *types.Item) *types.Item {
	if it == nil || len(it.Embeddings) == 0 {
		return it
	}
	c := *it
	c.Embeddings = make(map[string]types.Embedding, len(it.Embeddings))
	for f, e := range it.Embeddings {
		c.Embeddings[f] = types.Embedding{SourceHash: e.SourceHash}
	}
	return &c
}
