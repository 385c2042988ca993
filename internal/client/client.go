// internal/client/client.go
// Package client talks to the central memory API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/apitypes"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Is lets callers match API errors against the service's sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == types.ErrNotFound
	case http.StatusBadRequest:
		return target == types.ErrValidation
	case http.StatusServiceUnavailable:
		return target == types.ErrEmbeddingUnavailable
	}
	return false
}

// Client is an HTTP client for the central API
type Client struct {
	baseURL string
	scope   types.Scope
	http    *http.Client
}

// New creates a new API client acting for scope.
func New(baseURL string, scope types.Scope) *Client {
	return &Client{
		baseURL: baseURL,
		scope:   scope,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.scope.OwnerID != "" {
		req.Header.Set(apitypes.HeaderOwnerID, c.scope.OwnerID)
	}
	if c.scope.OrganizationID != "" {
		req.Header.Set(apitypes.HeaderOrganizationID, c.scope.OrganizationID)
	}

	return c.http.Do(req)
}

// call sends a request and decodes a 2xx body into out.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp apitypes.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error, Field: errResp.Field}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks that the API is up.
func (c *Client) Health(ctx context.Context) error {
	var resp apitypes.HealthResponse
	if err := c.call(ctx, "GET", "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errors.New("API unhealthy: " + resp.Status)
	}
	return nil
}

// Classify stores a content unit under whatever memory types fit.
func (c *Client) Classify(ctx context.Context, req apitypes.ClassifyRequest) (map[types.MemoryType]apitypes.TypeResult, error) {
	var resp apitypes.ClassifyResponse
	if err := c.call(ctx, "POST", "/v1/memories/classify", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Create stores a structured item.
func (c *Client) Create(ctx context.Context, req apitypes.CreateRequest) (*types.Item, bool, error) {
	var resp apitypes.ItemResponse
	if err := c.call(ctx, "POST", "/v1/memories", req, &resp); err != nil {
		return nil, false, err
	}
	return resp.Item, resp.Created, nil
}

// Get fetches one item.
func (c *Client) Get(ctx context.Context, id string) (*types.Item, error) {
	var resp apitypes.ItemResponse
	if err := c.call(ctx, "GET", "/v1/memories/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// Edit patches an item's fields.
func (c *Client) Edit(ctx context.Context, id string, fields map[string]any) (*types.Item, error) {
	var resp apitypes.ItemResponse
	if err := c.call(ctx, "PATCH", "/v1/memories/"+url.PathEscape(id), apitypes.EditRequest{Fields: fields}, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// Move refiles an item.
func (c *Client) Move(ctx context.Context, id string, path []string) (*types.Item, error) {
	var resp apitypes.ItemResponse
	if err := c.call(ctx, "PUT", "/v1/memories/"+url.PathEscape(id)+"/path", apitypes.MoveRequest{TreePath: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// Delete removes an item; hard purges it.
func (c *Client) Delete(ctx context.Context, id string, hard bool) error {
	path := "/v1/memories/" + url.PathEscape(id)
	if hard {
		path += "?hard=true"
	}
	return c.call(ctx, "DELETE", path, nil, nil)
}

// Search runs a hybrid search.
func (c *Client) Search(ctx context.Context, req apitypes.SearchRequest) ([]apitypes.SearchHit, error) {
	var resp apitypes.SearchResponse
	if err := c.call(ctx, "POST", "/v1/memories/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Tree returns the category tree of t below prefix ("a/b").
func (c *Client) Tree(ctx context.Context, t types.MemoryType, prefix string) (*apitypes.TreeNode, error) {
	path := "/v1/tree/" + url.PathEscape(string(t))
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var resp apitypes.TreeResponse
	if err := c.call(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tree, nil
}

// TriggerReflexion starts a background reorganization.
func (c *Client) TriggerReflexion(ctx context.Context) (string, error) {
	var resp apitypes.ReflexionTriggerResponse
	if err := c.call(ctx, "POST", "/v1/reflexion", nil, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// ReflexionStatus reports the owner's reflexion state.
func (c *Client) ReflexionStatus(ctx context.Context) (*apitypes.ReflexionStatus, error) {
	var resp apitypes.ReflexionStatus
	if err := c.call(ctx, "GET", "/v1/reflexion", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Backfill runs one embedding pass on the server.
func (c *Client) Backfill(ctx context.Context, ts []string) (*apitypes.BackfillResponse, error) {
	var resp apitypes.BackfillResponse
	if err := c.call(ctx, "POST", "/v1/embeddings/backfill", apitypes.BackfillRequest{Types: ts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
