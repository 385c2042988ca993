// internal/classifier/heuristic.go
package classifier

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// maxSummary bounds generated summaries, in runes.
const maxSummary = 200

var (
	definitionRe = regexp.MustCompile(`(?i)^\s*((?:the\s+)?[\p{L}\p{N}][\p{L}\p{N}\s\-\.]{0,60}?)\s+(?:is|are|means|refers to|stands for)\s+(?:an?\s+|the\s+)?\S`)
	stepLineRe   = regexp.MustCompile(`(?i)^\s*(?:\d+[\.\)]|[-*•]|step\s+\d+[:\.]?)\s+(.+)$`)
	secretRe     = regexp.MustCompile(`(?i)\b(password|passcode|passwd|pin|api[ _-]?key|access[ _-]?token|token|secret)\b(?:\s+(?:for|to)\s+([\p{L}\p{N}][\p{L}\p{N}\.\-_ ]{0,40}?))?\s*(?:is|:|=)\s*["']?([^\s"']{3,})`)
	selfRe       = regexp.MustCompile(`(?i)\b(?:my name is|call me|i live in|i'm based in|i work (?:at|for|as)|i am an?|i'm an?|my (favou?rite [\p{L}]+|birthday|pronouns|timezone|job|role) is)\b`)
)

// taxonomy maps a top-level category to words that suggest it.
var taxonomy = map[string][]string{
	"work":     {"meeting", "standup", "sprint", "deadline", "client", "project", "manager", "colleague", "office", "roadmap", "okr"},
	"tech":     {"code", "server", "deploy", "api", "database", "bug", "golang", "python", "kubernetes", "docker", "git", "linux"},
	"health":   {"doctor", "gym", "workout", "medication", "sleep", "diet", "dentist", "allergy", "run", "running"},
	"finance":  {"bank", "invoice", "budget", "tax", "salary", "rent", "mortgage", "expense", "payment"},
	"travel":   {"flight", "hotel", "trip", "airport", "passport", "visa", "itinerary", "vacation"},
	"food":     {"recipe", "restaurant", "cook", "cooking", "dinner", "lunch", "breakfast", "bake"},
	"personal": {"family", "birthday", "friend", "wife", "husband", "partner", "kids", "mom", "dad", "anniversary"},
	"learning": {"course", "book", "study", "lecture", "tutorial", "paper", "exam"},
	"accounts": {"password", "login", "account", "token", "credential", "pin"},
}

// Heuristic is a deterministic rule-based classifier. It needs no model
// and serves as the fallback when one is configured.
type Heuristic struct{}

// NewHeuristic returns a Heuristic classifier.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Classify(_ context.Context, u ContentUnit, cc Context) ([]Assignment, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(u.Text)
	sentences := splitSentences(text)
	path := categorize(text, cc.Categories)

	var as []Assignment
	add := func(p types.Payload, path []string) {
		as = append(as, Assignment{Type: p.Kind(), Payload: p, TreePath: path, Missing: p.Missing()})
	}

	secret := secretRe.FindStringSubmatch(text)

	switch u.hint() {
	case SourceChat:
		occurred := u.OccurredAt
		if occurred.IsZero() {
			occurred = cc.Now
		}
		actor := u.Actor
		if actor == "" {
			actor = cc.Scope.OwnerID
		}
		ep := &types.Episodic{
			OccurredAt: occurred,
			Actor:      actor,
			EventType:  "chat",
			Summary:    summarize(redact(text, secret)),
			Details:    redact(text, secret),
		}
		add(ep, path)
	default:
		add(&types.Resource{
			Title:        u.Title,
			ResourceType: string(u.hint()),
			Summary:      summarize(redact(text, secret)),
			Content:      redact(text, secret),
		}, path)
	}

	if secret != nil {
		add(vaultEntry(u, secret), []string{"accounts"})
	}

	if steps := extractSteps(text); len(steps) >= 2 {
		summary := u.Title
		if summary == "" {
			summary = summarize(firstNonStepLine(text))
		}
		add(&types.Procedural{EntryType: "howto", Summary: summary, Steps: steps}, path)
	}

	if secret == nil {
		for _, s := range sentences {
			if selfRe.MatchString(s) {
				continue
			}
			if m := definitionRe.FindStringSubmatch(s); m != nil {
				add(&types.Semantic{Name: strings.TrimSpace(m[1]), Summary: summarize(s), Details: strings.TrimSpace(s)}, path)
				break
			}
		}
	}

	if u.hint() == SourceChat && secret == nil {
		for _, s := range sentences {
			if loc := selfRe.FindStringIndex(s); loc != nil {
				add(&types.Core{Label: coreLabel(s[loc[0]:loc[1]]), Value: strings.TrimSpace(s)}, []string{"profile"})
				break
			}
		}
	}

	return as, incomplete(as)
}

func vaultEntry(u ContentUnit, m []string) *types.KnowledgeVault {
	kind := strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(m[1]))
	caption := kind
	if target := strings.TrimSpace(m[2]); target != "" {
		caption += " for " + target
	}
	source := string(u.hint())
	if u.Title != "" {
		source = u.Title
	}
	return &types.KnowledgeVault{
		EntryType:   kind,
		Source:      source,
		Sensitivity: types.SensitivityHigh,
		SecretValue: m[3],
		Caption:     caption,
	}
}

// redact replaces a matched secret so it never lands in an indexed field.
func redact(text string, m []string) string {
	if m == nil {
		return text
	}
	return strings.ReplaceAll(text, m[3], "[redacted]")
}

func coreLabel(phrase string) string {
	p := strings.ToLower(phrase)
	switch {
	case strings.Contains(p, "name"), strings.Contains(p, "call me"):
		return "name"
	case strings.Contains(p, "live"), strings.Contains(p, "based"):
		return "location"
	case strings.Contains(p, "work"):
		return "occupation"
	case strings.HasPrefix(p, "my "):
		return strings.TrimSuffix(strings.TrimPrefix(p, "my "), " is")
	}
	return "about"
}

func extractSteps(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		if m := stepLineRe.FindStringSubmatch(line); m != nil {
			if s := strings.TrimSpace(m[1]); s != "" {
				steps = append(steps, s)
			}
		}
	}
	return steps
}

func firstNonStepLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" && !stepLineRe.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// splitSentences breaks text on sentence punctuation and newlines.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		end := r == '\n' || ((r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])))
		if end {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// summarize takes the first sentence, cut at a word boundary.
func summarize(text string) string {
	ss := splitSentences(text)
	if len(ss) == 0 {
		return ""
	}
	r := []rune(ss[0])
	if len(r) <= maxSummary {
		return ss[0]
	}
	cut := string(r[:maxSummary])
	if i := strings.LastIndexByte(cut, ' '); i > maxSummary/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// categorize picks a tree path. An existing category named in the text
// wins, deepest first. Otherwise the taxonomy category with the most
// keyword hits is used.
func categorize(text string, existing [][]string) []string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		words[w] = true
	}

	var best []string
	for _, p := range existing {
		if len(p) == 0 || p[0] == types.DefaultCategory {
			continue
		}
		leaf := strings.ToLower(p[len(p)-1])
		if words[leaf] && len(p) > len(best) {
			best = p
		}
	}
	if best != nil {
		return append([]string(nil), best...)
	}

	cats := make([]string, 0, len(taxonomy))
	for c := range taxonomy {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	top, topHits := "", 0
	for _, c := range cats {
		hits := 0
		for _, kw := range taxonomy[c] {
			if words[kw] {
				hits++
			}
		}
		if hits > topHits {
			top, topHits = c, hits
		}
	}
	if top == "" {
		return []string{types.DefaultCategory}
	}
	return []string{top}
}
