// internal/classifier/llm.go
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

// maxCategoriesInPrompt caps how many existing paths are shown to the model.
const maxCategoriesInPrompt = 50

// MessageCreator is the part of the Anthropic client the classifier uses.
type MessageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// LLM classifies with an Anthropic model.
type LLM struct {
	msgs      MessageCreator
	model     string
	maxTokens int64
}

// NewLLM returns an LLM classifier talking to the Anthropic API.
func NewLLM(apiKey, model string, opts ...option.RequestOption) *LLM {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return NewLLMWithClient(&client.Messages, model)
}

// NewLLMWithClient wraps an existing message creator.
func NewLLMWithClient(msgs MessageCreator, model string) *LLM {
	if model == "" {
		model = DefaultModel
	}
	return &LLM{msgs: msgs, model: model, maxTokens: 2048}
}

const systemPrompt = `You file content into a personal memory system. Choose every memory type that applies; one piece of content often belongs in several.

Types and their fields (* = required):
- core: a durable fact about the user. *label, *value
- episodic: something that happened. *occurred_at (RFC3339), *actor, *event_type, *summary, *details
- semantic: a concept or fact about the world. *name, *summary, *details
- procedural: how to do something. *entry_type, *summary, *steps (array of strings)
- resource: a document or screenshot. *title, *resource_type, summary, *content
- knowledge_vault: a secret such as a password or key. *entry_type, *source, *sensitivity (low|medium|high), *secret_value, *caption (never contains the secret)

Also give each assignment a tree_path: an array of short lowercase category labels, general to specific. Reuse an existing path when one fits.

Reply with JSON only, no prose:
{"assignments":[{"type":"semantic","tree_path":["tech"],"fields":{"name":"...","summary":"..."}}]}
Leave a required field out rather than guessing.`

type llmReply struct {
	Assignments []struct {
		Type     string         `json:"type"`
		TreePath []string       `json:"tree_path"`
		Fields   map[string]any `json:"fields"`
	} `json:"assignments"`
}

func (l *LLM) Classify(ctx context.Context, u ContentUnit, cc Context) ([]Assignment, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	resp, err := l.msgs.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: l.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(u, cc))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	reply, err := parseReply(text.String())
	if err != nil {
		return nil, err
	}

	var as []Assignment
	seen := make(map[types.MemoryType]bool)
	for _, ra := range reply.Assignments {
		t := types.MemoryType(strings.ToLower(strings.TrimSpace(ra.Type)))
		if !t.Valid() || seen[t] {
			continue
		}
		seen[t] = true
		fields := withDefaults(t, ra.Fields, u, cc)
		p, missing, err := types.PayloadFromFields(t, fields)
		if err != nil {
			return nil, fmt.Errorf("model returned unusable %s fields: %w", t, err)
		}
		as = append(as, Assignment{Type: t, Payload: p, TreePath: ra.TreePath, Missing: missing})
	}
	if len(as) == 0 {
		return nil, fmt.Errorf("model returned no usable assignments")
	}
	return as, incomplete(as)
}

func userPrompt(u ContentUnit, cc Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", u.hint())
	if u.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", u.Title)
	}
	if u.Actor != "" {
		fmt.Fprintf(&b, "Actor: %s\n", u.Actor)
	}
	if len(cc.Categories) > 0 {
		paths := make([]string, 0, len(cc.Categories))
		for _, p := range cc.Categories {
			paths = append(paths, types.FormatPath(p))
		}
		sort.Strings(paths)
		if len(paths) > maxCategoriesInPrompt {
			paths = paths[:maxCategoriesInPrompt]
		}
		fmt.Fprintf(&b, "Existing paths: %s\n", strings.Join(paths, ", "))
	}
	b.WriteString("\nContent:\n")
	b.WriteString(u.Text)
	return b.String()
}

// parseReply pulls the JSON object out of the model's text, tolerating
// code fences and stray prose around it.
func parseReply(text string) (*llmReply, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("model reply has no JSON object")
	}
	var r llmReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}
	return &r, nil
}

// withDefaults fills fields the content unit already knows.
func withDefaults(t types.MemoryType, fields map[string]any, u ContentUnit, cc Context) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	setIfAbsent := func(k string, v any) {
		switch cur := out[k].(type) {
		case nil:
		case string:
			if strings.TrimSpace(cur) != "" {
				return
			}
		default:
			return
		}
		out[k] = v
	}
	switch t {
	case types.TypeEpisodic:
		occurred := u.OccurredAt
		if occurred.IsZero() {
			occurred = cc.Now
		}
		if !occurred.IsZero() {
			setIfAbsent("occurred_at", occurred.UTC().Format(time.RFC3339))
		}
		if u.Actor != "" {
			setIfAbsent("actor", u.Actor)
		}
	case types.TypeResource:
		if u.Title != "" {
			setIfAbsent("title", u.Title)
		}
		if u.hint() != SourceChat {
			setIfAbsent("resource_type", string(u.hint()))
		}
	case types.TypeKnowledgeVault:
		setIfAbsent("source", string(u.hint()))
	}
	return out
}
