// internal/embedder/ollama.go
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements Embedder using Ollama API
type Ollama struct {
	baseURL string
	model   string
	dims    int
	http    *http.Client
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllama creates a new Ollama embedder
func NewOllama(baseURL, model string, dims int) *Ollama {
	if dims <= 0 {
		dims = 768
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (o *Ollama) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{
		Model:  o.model,
		Prompt: text,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/embeddings", o.baseURL), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return embResp.Embedding, nil
}

// EmbedForStorage embeds each text in turn; the legacy endpoint takes one
// prompt per request.
func (o *Ollama) EmbedForStorage(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if o.model == "nomic-embed-text" {
			text = "search_document: " + text
		}
		vec, err := o.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (o *Ollama) EmbedForSearch(ctx context.Context, query string) ([]float32, error) {
	if o.model == "nomic-embed-text" {
		return o.embed(ctx, "search_query: "+query)
	}
	return o.embed(ctx, query)
}

func (o *Ollama) Dimensions() int { return o.dims }
