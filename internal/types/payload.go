// internal/types/payload.go
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultCoreCharLimit applies when a core payload does not set its own limit.
const DefaultCoreCharLimit = 2000

// Placeholder fills required fields the classifier could not determine.
const Placeholder = "[unknown]"

// Payload is the closed set of type-specific bodies. The unexported methods
// keep implementations inside this package.
type Payload interface {
	Kind() MemoryType
	// IndexedText returns the searchable text of every indexed field,
	// keyed by field name. Sensitive fields never appear here.
	IndexedText() map[string]string
	// Missing lists required fields that are empty.
	Missing() []string
	Validate() error

	clone() Payload
	fillPlaceholders(now time.Time)
}

// FieldSpec describes one payload field.
type FieldSpec struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	Indexed   bool   `json:"indexed"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Descriptor lists the fields of one memory type.
type Descriptor struct {
	Type   MemoryType  `json:"type"`
	Fields []FieldSpec `json:"fields"`
}

var descriptors = map[MemoryType]Descriptor{
	TypeCore: {Type: TypeCore, Fields: []FieldSpec{
		{Name: "label", Required: true},
		{Name: "value", Required: true, Indexed: true},
		{Name: "char_limit"},
	}},
	TypeEpisodic: {Type: TypeEpisodic, Fields: []FieldSpec{
		{Name: "occurred_at", Required: true},
		{Name: "actor", Required: true},
		{Name: "event_type", Required: true},
		{Name: "summary", Required: true, Indexed: true},
		{Name: "details", Required: true, Indexed: true},
	}},
	TypeSemantic: {Type: TypeSemantic, Fields: []FieldSpec{
		{Name: "name", Required: true, Indexed: true},
		{Name: "summary", Required: true, Indexed: true},
		{Name: "details", Required: true, Indexed: true},
	}},
	TypeProcedural: {Type: TypeProcedural, Fields: []FieldSpec{
		{Name: "entry_type", Required: true},
		{Name: "summary", Required: true, Indexed: true},
		{Name: "steps", Required: true, Indexed: true},
	}},
	TypeResource: {Type: TypeResource, Fields: []FieldSpec{
		{Name: "title", Required: true, Indexed: true},
		{Name: "resource_type", Required: true},
		{Name: "summary"},
		{Name: "content", Required: true, Indexed: true},
	}},
	TypeKnowledgeVault: {Type: TypeKnowledgeVault, Fields: []FieldSpec{
		{Name: "entry_type", Required: true},
		{Name: "source", Required: true},
		{Name: "sensitivity", Required: true},
		{Name: "secret_value", Required: true, Sensitive: true},
		{Name: "caption", Required: true, Indexed: true},
	}},
}

// Describe returns the field descriptor for t.
func Describe(t MemoryType) Descriptor {
	return descriptors[t]
}

// Field looks up a field by name.
func (d Descriptor) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// IndexedFields returns the names of the indexed fields in declaration order.
func (d Descriptor) IndexedFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Indexed {
			out = append(out, f.Name)
		}
	}
	return out
}

// Core holds a small always-in-context fact about the owner.
type Core struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	CharLimit int    `json:"char_limit,omitempty"`
}

func (p *Core) Kind() MemoryType { return TypeCore }

func (p *Core) IndexedText() map[string]string {
	return map[string]string{"value": p.Value}
}

func (p *Core) Missing() []string {
	var m []string
	m = appendIfBlank(m, "label", p.Label)
	m = appendIfBlank(m, "value", p.Value)
	return m
}

// Limit returns the effective character limit.
func (p *Core) Limit() int {
	if p.CharLimit <= 0 {
		return DefaultCoreCharLimit
	}
	return p.CharLimit
}

func (p *Core) Validate() error {
	if err := requireAll(TypeCore, p.Missing()); err != nil {
		return err
	}
	if p.CharLimit < 0 {
		return &ValidationError{Type: TypeCore, Field: "char_limit", Constraint: "must not be negative"}
	}
	if n := utf8.RuneCountInString(p.Value); n > p.Limit() {
		return &ValidationError{
			Type:       TypeCore,
			Field:      "value",
			Constraint: fmt.Sprintf("length %d exceeds char_limit %d", n, p.Limit()),
		}
	}
	return nil
}

func (p *Core) clone() Payload { c := *p; return &c }

func (p *Core) fillPlaceholders(time.Time) {
	p.Label = orPlaceholder(p.Label)
	p.Value = orPlaceholder(p.Value)
}

// Episodic records something that happened at a point in time.
type Episodic struct {
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	EventType  string    `json:"event_type"`
	Summary    string    `json:"summary"`
	Details    string    `json:"details"`
}

func (p *Episodic) Kind() MemoryType { return TypeEpisodic }

func (p *Episodic) IndexedText() map[string]string {
	return map[string]string{"summary": p.Summary, "details": p.Details}
}

func (p *Episodic) Missing() []string {
	var m []string
	if p.OccurredAt.IsZero() {
		m = append(m, "occurred_at")
	}
	m = appendIfBlank(m, "actor", p.Actor)
	m = appendIfBlank(m, "event_type", p.EventType)
	m = appendIfBlank(m, "summary", p.Summary)
	m = appendIfBlank(m, "details", p.Details)
	return m
}

func (p *Episodic) Validate() error { return requireAll(TypeEpisodic, p.Missing()) }

func (p *Episodic) clone() Payload { c := *p; return &c }

func (p *Episodic) fillPlaceholders(now time.Time) {
	if p.OccurredAt.IsZero() {
		p.OccurredAt = now
	}
	p.Actor = orPlaceholder(p.Actor)
	p.EventType = orPlaceholder(p.EventType)
	p.Summary = orPlaceholder(p.Summary)
	p.Details = orPlaceholder(p.Details)
}

// Semantic is a named concept or fact.
type Semantic struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Details string `json:"details"`
}

func (p *Semantic) Kind() MemoryType { return TypeSemantic }

func (p *Semantic) IndexedText() map[string]string {
	return map[string]string{"name": p.Name, "summary": p.Summary, "details": p.Details}
}

func (p *Semantic) Missing() []string {
	var m []string
	m = appendIfBlank(m, "name", p.Name)
	m = appendIfBlank(m, "summary", p.Summary)
	m = appendIfBlank(m, "details", p.Details)
	return m
}

func (p *Semantic) Validate() error { return requireAll(TypeSemantic, p.Missing()) }

func (p *Semantic) clone() Payload { c := *p; return &c }

func (p *Semantic) fillPlaceholders(time.Time) {
	p.Name = orPlaceholder(p.Name)
	p.Summary = orPlaceholder(p.Summary)
	p.Details = orPlaceholder(p.Details)
}

// Procedural is an ordered how-to.
type Procedural struct {
	EntryType string   `json:"entry_type"`
	Summary   string   `json:"summary"`
	Steps     []string `json:"steps"`
}

func (p *Procedural) Kind() MemoryType { return TypeProcedural }

func (p *Procedural) IndexedText() map[string]string {
	return map[string]string{"summary": p.Summary, "steps": strings.Join(p.Steps, "\n")}
}

func (p *Procedural) Missing() []string {
	var m []string
	m = appendIfBlank(m, "entry_type", p.EntryType)
	m = appendIfBlank(m, "summary", p.Summary)
	if len(p.Steps) == 0 {
		m = append(m, "steps")
	}
	return m
}

func (p *Procedural) Validate() error {
	if err := requireAll(TypeProcedural, p.Missing()); err != nil {
		return err
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s) == "" {
			return &ValidationError{Type: TypeProcedural, Field: "steps", Constraint: fmt.Sprintf("step %d is empty", i+1)}
		}
	}
	return nil
}

func (p *Procedural) clone() Payload {
	c := *p
	c.Steps = append([]string(nil), p.Steps...)
	return &c
}

func (p *Procedural) fillPlaceholders(time.Time) {
	p.EntryType = orPlaceholder(p.EntryType)
	p.Summary = orPlaceholder(p.Summary)
	if len(p.Steps) == 0 {
		p.Steps = []string{Placeholder}
	}
}

// Resource is a document, file or screenshot the owner shared.
type Resource struct {
	Title        string `json:"title"`
	ResourceType string `json:"resource_type"`
	Summary      string `json:"summary,omitempty"`
	Content      string `json:"content"`
}

func (p *Resource) Kind() MemoryType { return TypeResource }

func (p *Resource) IndexedText() map[string]string {
	return map[string]string{"title": p.Title, "content": p.Content}
}

func (p *Resource) Missing() []string {
	var m []string
	m = appendIfBlank(m, "title", p.Title)
	m = appendIfBlank(m, "resource_type", p.ResourceType)
	m = appendIfBlank(m, "content", p.Content)
	return m
}

func (p *Resource) Validate() error { return requireAll(TypeResource, p.Missing()) }

func (p *Resource) clone() Payload { c := *p; return &c }

func (p *Resource) fillPlaceholders(time.Time) {
	p.Title = orPlaceholder(p.Title)
	p.ResourceType = orPlaceholder(p.ResourceType)
	p.Content = orPlaceholder(p.Content)
}

// Sensitivity grades how carefully a vault entry must be handled.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// KnowledgeVault stores a secret. Only the caption is ever indexed.
type KnowledgeVault struct {
	EntryType   string      `json:"entry_type"`
	Source      string      `json:"source"`
	Sensitivity Sensitivity `json:"sensitivity"`
	SecretValue string      `json:"secret_value"`
	Caption     string      `json:"caption"`
}

func (p *KnowledgeVault) Kind() MemoryType { return TypeKnowledgeVault }

func (p *KnowledgeVault) IndexedText() map[string]string {
	return map[string]string{"caption": p.Caption}
}

func (p *KnowledgeVault) Missing() []string {
	var m []string
	m = appendIfBlank(m, "entry_type", p.EntryType)
	m = appendIfBlank(m, "source", p.Source)
	m = appendIfBlank(m, "sensitivity", string(p.Sensitivity))
	m = appendIfBlank(m, "secret_value", p.SecretValue)
	m = appendIfBlank(m, "caption", p.Caption)
	return m
}

func (p *KnowledgeVault) Validate() error {
	if err := requireAll(TypeKnowledgeVault, p.Missing()); err != nil {
		return err
	}
	switch p.Sensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return nil
	}
	return &ValidationError{Type: TypeKnowledgeVault, Field: "sensitivity", Constraint: "must be low, medium, or high"}
}

func (p *KnowledgeVault) clone() Payload { c := *p; return &c }

func (p *KnowledgeVault) fillPlaceholders(time.Time) {
	p.EntryType = orPlaceholder(p.EntryType)
	p.Source = orPlaceholder(p.Source)
	if p.Sensitivity == "" {
		p.Sensitivity = SensitivityHigh
	}
	p.SecretValue = orPlaceholder(p.SecretValue)
	p.Caption = orPlaceholder(p.Caption)
}

// FillPlaceholders returns a copy of p with every missing required field
// set to a placeholder, so an incompletely classified item can still be
// stored and corrected later.
func FillPlaceholders(p Payload, now time.Time) Payload {
	c := p.clone()
	c.fillPlaceholders(now)
	return c
}

// ClonePayload returns a deep copy of p.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.clone()
}

// SearchText concatenates every indexed field in declaration order.
func SearchText(p Payload) string {
	if p == nil {
		return ""
	}
	text := p.IndexedText()
	var parts []string
	for _, f := range Describe(p.Kind()).IndexedFields() {
		if s := strings.TrimSpace(text[f]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// NewPayload returns an empty payload of type t.
func NewPayload(t MemoryType) (Payload, error) {
	switch t {
	case TypeCore:
		return &Core{}, nil
	case TypeEpisodic:
		return &Episodic{}, nil
	case TypeSemantic:
		return &Semantic{}, nil
	case TypeProcedural:
		return &Procedural{}, nil
	case TypeResource:
		return &Resource{}, nil
	case TypeKnowledgeVault:
		return &KnowledgeVault{}, nil
	}
	return nil, t.Validate()
}

// DecodePayload decodes the JSON body of a payload of type t.
func DecodePayload(t MemoryType, data []byte) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

// PayloadFromFields builds a payload from loosely typed fields, such as
// classifier output. Unknown fields are ignored. The returned slice lists
// required fields that are still empty; the payload is not validated.
func PayloadFromFields(t MemoryType, fields map[string]any) (Payload, []string, error) {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := Describe(t).Field(k); ok {
			norm[k] = v
		}
	}
	if s, ok := norm["steps"].(string); ok && t == TypeProcedural {
		norm["steps"] = splitSteps(s)
	}
	if s, ok := norm["occurred_at"].(string); ok && s == "" {
		delete(norm, "occurred_at")
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	p, err := DecodePayload(t, data)
	if err != nil {
		return nil, nil, &ValidationError{Type: t, Field: "payload", Constraint: err.Error()}
	}
	return p, p.Missing(), nil
}

// FieldPatch is a partial payload update keyed by field name.
type FieldPatch map[string]any

// ApplyPatch returns a validated copy of p with the patch applied.
func ApplyPatch(p Payload, patch FieldPatch) (Payload, error) {
	t := p.Kind()
	d := Describe(t)
	for name := range patch {
		if _, ok := d.Field(name); !ok {
			return nil, &ValidationError{Type: t, Field: name, Constraint: "unknown field"}
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	for k, v := range patch {
		merged[k] = v
	}
	if s, ok := merged["steps"].(string); ok && t == TypeProcedural {
		merged["steps"] = splitSteps(s)
	}
	data, err = json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	next, err := DecodePayload(t, data)
	if err != nil {
		return nil, &ValidationError{Type: t, Field: "payload", Constraint: err.Error()}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// ChangedIndexedFields lists the indexed fields whose text differs.
func ChangedIndexedFields(before, after Payload) []string {
	a, b := before.IndexedText(), after.IndexedText()
	var out []string
	for _, f := range Describe(after.Kind()).IndexedFields() {
		if a[f] != b[f] {
			out = append(out, f)
		}
	}
	return out
}

// UnmarshalJSON decodes the payload according to the item's type.
func (it *Item) UnmarshalJSON(data []byte) error {
	type itemAlias Item
	aux := struct {
		*itemAlias
		Payload json.RawMessage `json:"payload"`
	}{itemAlias: (*itemAlias)(it)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if it.Type == "" {
		it.Payload = nil
		return nil
	}
	p, err := DecodePayload(it.Type, aux.Payload)
	if err != nil {
		return err
	}
	it.Payload = p
	return nil
}

func splitSteps(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func appendIfBlank(m []string, name, v string) []string {
	if strings.TrimSpace(v) == "" {
		return append(m, name)
	}
	return m
}

func requireAll(t MemoryType, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{Type: t, Field: missing[0], Constraint: "required"}
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
