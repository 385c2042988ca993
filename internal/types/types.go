// internal/types/types.go
// Package types contains shared data types that have no CGO dependencies.
// This allows packages like the shim to use Item without pulling in sqlite-vec.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryType names one of the six memory stores.
type MemoryType string

const (
	TypeCore           MemoryType = "core"
	TypeEpisodic       MemoryType = "episodic"
	TypeSemantic       MemoryType = "semantic"
	TypeProcedural     MemoryType = "procedural"
	TypeResource       MemoryType = "resource"
	TypeKnowledgeVault MemoryType = "knowledge_vault"
)

// AllTypes lists every memory type in a stable order.
var AllTypes = []MemoryType{
	TypeCore,
	TypeEpisodic,
	TypeSemantic,
	TypeProcedural,
	TypeResource,
	TypeKnowledgeVault,
}

// Valid returns true if the MemoryType is a known valid type
func (t MemoryType) Valid() bool {
	switch t {
	case TypeCore, TypeEpisodic, TypeSemantic, TypeProcedural, TypeResource, TypeKnowledgeVault:
		return true
	}
	return false
}

// Validate returns an error if the MemoryType is invalid
func (t MemoryType) Validate() error {
	if !t.Valid() {
		return fmt.Errorf("invalid memory type %q: must be one of core, episodic, semantic, procedural, resource, knowledge_vault", t)
	}
	return nil
}

// ParseTypes parses a list of type names. An empty list means every type.
func ParseTypes(names []string) ([]MemoryType, error) {
	if len(names) == 0 {
		return AllTypes, nil
	}
	out := make([]MemoryType, 0, len(names))
	seen := make(map[MemoryType]bool)
	for _, n := range names {
		t := MemoryType(strings.TrimSpace(n))
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// NewID returns a fresh item id. The type prefix lets any id be routed to
// its store without a lookup.
func NewID(t MemoryType) string {
	return string(t) + "_" + uuid.NewString()
}

// TypeOfID recovers the memory type encoded in an id.
func TypeOfID(id string) (MemoryType, bool) {
	for _, t := range AllTypes {
		rest, ok := strings.CutPrefix(id, string(t)+"_")
		if !ok {
			continue
		}
		if _, err := uuid.Parse(rest); err == nil {
			return t, true
		}
	}
	return "", false
}

// Scope identifies the caller every operation runs on behalf of.
type Scope struct {
	OwnerID        string `json:"owner_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Validate requires an owner.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Constraint: "required"}
	}
	return nil
}

// Embedding is the vector for one indexed field. Vector is nil until the
// backfill worker has embedded the text identified by SourceHash.
type Embedding struct {
	SourceHash string    `json:"source_hash"`
	Vector     []float32 `json:"vector,omitempty"`
}

// Pending reports whether the slot still waits for a vector.
func (e Embedding) Pending() bool { return len(e.Vector) == 0 }

// Item is the envelope shared by every memory type.
type Item struct {
	ID             string               `json:"id"`
	OwnerID        string               `json:"owner_id"`
	OrganizationID string               `json:"organization_id,omitempty"`
	Type           MemoryType           `json:"type"`
	DedupKey       string               `json:"dedup_key,omitempty"`
	TreePath       []string             `json:"tree_path"`
	Payload        Payload              `json:"payload"`
	Embeddings     map[string]Embedding `json:"embeddings,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	IsDeleted      bool                 `json:"is_deleted"`
	DeletedAt      *time.Time           `json:"deleted_at,omitempty"`
}

// LogValue keeps payloads (and with them any secret values) out of logs.
func (it *Item) LogValue() slog.Value {
	if it == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("id", it.ID),
		slog.String("type", string(it.Type)),
		slog.String("owner", it.OwnerID),
		slog.String("path", strings.Join(it.TreePath, "/")),
	)
}

// OwnedBy reports whether the item belongs to the scope's owner.
func (it *Item) OwnedBy(s Scope) bool {
	return it.OwnerID == s.OwnerID
}

// Clone returns a copy that shares no mutable state with it.
func (it *Item) Clone() *Item {
	c := *it
	c.TreePath = append([]string(nil), it.TreePath...)
	if it.Payload != nil {
		c.Payload = it.Payload.clone()
	}
	if it.Embeddings != nil {
		c.Embeddings = make(map[string]Embedding, len(it.Embeddings))
		for k, v := range it.Embeddings {
			v.Vector = append([]float32(nil), v.Vector...)
			c.Embeddings[k] = v
		}
	}
	if it.Metadata != nil {
		c.Metadata = make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	if it.DeletedAt != nil {
		d := *it.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// TextHash fingerprints the text an embedding was computed from.
func TextHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// ListOpts configures storage listing.
type ListOpts struct {
	OwnerID        string
	PathPrefix     []string
	IncludeDeleted bool
	WithEmbeddings bool
	Limit          int
}
