// internal/classifier/classifier.go
// Package classifier decides which memory stores a piece of content
// belongs in, and fills each store's fields.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// SourceHint says where content came from.
type SourceHint string

const (
	SourceChat       SourceHint = "chat"
	SourceDocument   SourceHint = "document"
	SourceScreenshot SourceHint = "screenshot"
)

// ContentUnit is one piece of incoming content.
type ContentUnit struct {
	Text       string     `json:"text"`
	SourceHint SourceHint `json:"source_hint,omitempty"`
	DedupKey   string     `json:"dedup_key,omitempty"`
	Title      string     `json:"title,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt time.Time  `json:"occurred_at,omitempty"`
}

// Validate rejects content that cannot be classified at all.
func (u ContentUnit) Validate() error {
	if strings.TrimSpace(u.Text) == "" {
		return &types.ValidationError{Field: "text", Constraint: "required"}
	}
	switch u.SourceHint {
	case "", SourceChat, SourceDocument, SourceScreenshot:
		return nil
	}
	return &types.ValidationError{Field: "source_hint", Constraint: "must be chat, document or screenshot"}
}

func (u ContentUnit) hint() SourceHint {
	if u.SourceHint == "" {
		return SourceChat
	}
	return u.SourceHint
}

// Context is what the classifier knows about the owner.
type Context struct {
	Scope types.Scope
	// Categories are the owner's existing tree paths, so new items can
	// join them instead of inventing synonyms.
	Categories [][]string
	Now        time.Time
}

// Assignment files content as one memory type.
type Assignment struct {
	Type     types.MemoryType `json:"type"`
	Payload  types.Payload    `json:"payload"`
	TreePath []string         `json:"tree_path"`
	Missing  []string         `json:"missing,omitempty"`
}

// Classifier maps content to a non-exclusive set of assignments. When an
// assignment lacks required fields it is still returned, and the error
// wraps types.ErrIncompleteClassification.
type Classifier interface {
	Classify(ctx context.Context, u ContentUnit, cc Context) ([]Assignment, error)
}

// incomplete builds the error for assignments with missing fields.
func incomplete(as []Assignment) error {
	var errs []error
	for _, a := range as {
		if len(a.Missing) > 0 {
			errs = append(errs, &types.IncompleteError{Type: a.Type, Missing: a.Missing})
		}
	}
	return errors.Join(errs...)
}

// Chain tries a primary classifier and falls back to another when the
// primary fails outright or finds nothing.
type Chain struct {
	primary  Classifier
	fallback Classifier
	log      *slog.Logger
}

// NewChain returns a Chain. A nil logger uses slog.Default.
func NewChain(primary, fallback Classifier, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{primary: primary, fallback: fallback, log: logger}
}

func (c *Chain) Classify(ctx context.Context, u ContentUnit, cc Context) ([]Assignment, error) {
	as, err := c.primary.Classify(ctx, u, cc)
	if err == nil && len(as) > 0 {
		return as, nil
	}
	if errors.Is(err, types.ErrIncompleteClassification) && len(as) > 0 {
		return as, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		c.log.Warn("primary classifier failed, falling back", "error", err)
	}
	return c.fallback.Classify(ctx, u, cc)
}
