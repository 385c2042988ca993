// internal/embedder/gateway.go
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Gateway wraps an Embedder with a per-call timeout and dimension checks.
// It never fabricates a vector: failures come back as
// types.ErrEmbeddingUnavailable so callers can degrade.
type Gateway struct {
	emb     Embedder
	timeout time.Duration
	log     *slog.Logger
}

// NewGateway returns a gateway over emb. A nil emb disables embeddings.
func NewGateway(emb Embedder, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{emb: emb, timeout: timeout, log: logger}
}

// Enabled reports whether an embedder is configured.
func (g *Gateway) Enabled() bool { return g != nil && g.emb != nil }

// Dimensions returns the deployment's vector length, or 0 when disabled.
func (g *Gateway) Dimensions() int {
	if !g.Enabled() {
		return 0
	}
	return g.emb.Dimensions()
}

// EmbedDocuments embeds texts in one batch. The result has one entry per
// text; an entry is nil when that vector came back malformed.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if !g.Enabled() {
		return nil, types.ErrEmbeddingUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vecs, err := g.emb.EmbedForStorage(ctx, texts)
	if err != nil {
		g.log.Warn("embedding batch failed", "texts", len(texts), "error", err)
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	if len(vecs) != len(texts) {
		g.log.Warn("embedding batch size mismatch", "want", len(texts), "got", len(vecs))
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", types.ErrEmbeddingUnavailable, len(vecs), len(texts))
	}

	dims := g.emb.Dimensions()
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		if len(v) != dims {
			g.log.Warn("discarding malformed embedding", "index", i, "want", dims, "got", len(v))
			continue
		}
		out[i] = v
	}
	return out, nil
}

// EmbedQuery embeds a search query.
func (g *Gateway) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if !g.Enabled() {
		return nil, types.ErrEmbeddingUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vec, err := g.emb.EmbedForSearch(ctx, query)
	if err != nil {
		g.log.Warn("query embedding failed", "error", err)
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	if len(vec) != g.emb.Dimensions() {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			types.ErrEmbeddingUnavailable, len(vec), g.emb.Dimensions())
	}
	return vec, nil
}
