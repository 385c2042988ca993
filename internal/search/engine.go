// internal/search/engine.go
// Package search implements hybrid retrieval over the memory stores:
// BM25, vector similarity, substring and typo-tolerant matching, fused
// into a single ranking.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Mode selects a retrieval strategy. Modes combine as a bitmask.
type Mode uint8

const (
	ModeLexical Mode = 1 << iota
	ModeVector
	ModeString
	ModeFuzzy

	// ModeHybrid is the default: lexical and vector, with string and fuzzy
	// matching as fallbacks when they come up short.
	ModeHybrid = ModeLexical | ModeVector
	ModeAll    = ModeLexical | ModeVector | ModeString | ModeFuzzy
)

var modeNames = map[string]Mode{
	"lexical": ModeLexical,
	"vector":  ModeVector,
	"string":  ModeString,
	"fuzzy":   ModeFuzzy,
	"hybrid":  ModeHybrid,
	"all":     ModeAll,
}

// ParseModes turns mode names into a Mode. No names means the default.
func ParseModes(names []string) (Mode, error) {
	var m Mode
	for _, n := range names {
		v, ok := modeNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, &types.ValidationError{Field: "modes", Constraint: fmt.Sprintf("unknown mode %q", n)}
		}
		m |= v
	}
	return m, nil
}

// Weights scale each mode's normalized score in the fused ranking.
type Weights struct {
	Vector  float64 `yaml:"vector" json:"vector"`
	Lexical float64 `yaml:"lexical" json:"lexical"`
	String  float64 `yaml:"string" json:"string"`
	Fuzzy   float64 `yaml:"fuzzy" json:"fuzzy"`
}

// DefaultWeights favours semantic similarity over keyword overlap.
var DefaultWeights = Weights{Vector: 0.7, Lexical: 0.3, String: 0.2, Fuzzy: 0.1}

const (
	DefaultLimit = 10
	MaxLimit     = 200
)

// Request is one search.
type Request struct {
	Scope      types.Scope
	Query      string
	Types      []types.MemoryType // empty means every type
	Fields     []string           // empty means every indexed field
	Modes      Mode               // zero means ModeHybrid
	Limit      int
	PathPrefix []string
}

// Scores are the per-mode normalized scores behind a result.
type Scores struct {
	Lexical float64 `json:"lexical,omitempty"`
	Vector  float64 `json:"vector,omitempty"`
	String  float64 `json:"string,omitempty"`
	Fuzzy   float64 `json:"fuzzy,omitempty"`
}

// Result is one ranked item.
type Result struct {
	Item   *types.Item `json:"item"`
	Score  float64     `json:"score"`
	Scores Scores      `json:"scores"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCache sizes the corpus cache. ttl bounds how long a corpus built in
// this process may miss writes made by another one.
func WithCache(maxCost int64, ttl time.Duration) Option {
	return func(e *Engine) { e.cacheCost, e.cacheTTL = maxCost, ttl }
}

// WithMaxCorpus caps how many of an owner's most recent items per type the
// text-based modes consider.
func WithMaxCorpus(n int) Option {
	return func(e *Engine) { e.maxCorpus = n }
}

// Engine runs searches against a registry.
type Engine struct {
	reg     *memory.Registry
	gw      *embedder.Gateway
	cache   *corpusCache
	weights Weights
	log     *slog.Logger

	cacheCost int64
	cacheTTL  time.Duration
	maxCorpus int
}

// New creates an Engine. gw may be disabled, in which case vector mode is
// never used.
func New(reg *memory.Registry, gw *embedder.Gateway, opts ...Option) (*Engine, error) {
	e := &Engine{
		reg:       reg,
		gw:        gw,
		weights:   DefaultWeights,
		log:       slog.Default(),
		cacheCost: 64 << 20,
		cacheTTL:  30 * time.Second,
		maxCorpus: 5000,
	}
	for _, o := range opts {
		o(e)
	}
	cache, err := newCorpusCache(e.cacheCost, e.cacheTTL, e.maxCorpus, e.log)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	return e, nil
}

// Close releases the cache.
func (e *Engine) Close() { e.cache.close() }

// candidate accumulates raw per-mode scores for one item.
type candidate struct {
	id  string
	t   types.MemoryType
	raw [4]float64
	has [4]bool
}

const (
	slotLexical = iota
	slotVector
	slotString
	slotFuzzy
)

type pool struct {
	mu   sync.Mutex
	byID map[string]*candidate
}

func (p *pool) add(t types.MemoryType, id string, slot int, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		c = &candidate{id: id, t: t}
		p.byID[id] = c
	}
	if !c.has[slot] || score > c.raw[slot] {
		c.raw[slot] = score
	}
	c.has[slot] = true
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// plan is a validated request.
type plan struct {
	req        Request
	types      []types.MemoryType
	fields     map[types.MemoryType]map[string]bool
	queryToks  []string
	modes      Mode
	fallback   bool
	candidates int
}

// Search ranks the caller's live items against the request.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return e.recent(ctx, p)
	}

	var qvec []float32
	if p.modes&ModeVector != 0 && e.gw.Enabled() {
		qvec, err = e.gw.EmbedQuery(ctx, req.Query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("vector mode skipped", "error", err)
			qvec = nil
		}
	}

	cands := &pool{byID: make(map[string]*candidate)}
	var cmu sync.Mutex
	corpora := make(map[types.MemoryType]*corpus, len(p.types))

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.types {
		t := t
		g.Go(func() error {
			st, err := e.reg.Store(t)
			if err != nil {
				return err
			}
			needText := p.modes&(ModeLexical|ModeString|ModeFuzzy) != 0 || p.fallback
			if needText {
				c, err := e.cache.load(gctx, e.reg, st, p.req, p.fields[t])
				if err != nil {
					return err
				}
				cmu.Lock()
				corpora[t] = c
				cmu.Unlock()
				if p.modes&ModeLexical != 0 {
					e.lexical(c, p, t, cands)
				}
				if p.modes&ModeString != 0 {
					e.stringMatch(c, p, t, cands)
				}
				if p.modes&ModeFuzzy != 0 {
					e.fuzzy(c, p, t, cands)
				}
			}
			if qvec != nil {
				return e.vector(gctx, st, p, qvec, cands)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if p.fallback && cands.size() < p.req.Limit {
		for t, c := range corpora {
			e.stringMatch(c, p, t, cands)
			e.fuzzy(c, p, t, cands)
		}
	}

	return e.rank(ctx, p, cands)
}

func (e *Engine) plan(req Request) (*plan, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	ts := req.Types
	if len(ts) == 0 {
		ts = types.AllTypes
	}
	p := &plan{req: req, fields: make(map[types.MemoryType]map[string]bool), modes: req.Modes}
	if p.modes == 0 {
		p.modes = ModeHybrid
	}
	// Naming hybrid explicitly still gets the string and fuzzy fallbacks.
	// Any other combination runs exactly the modes asked for.
	p.fallback = p.modes == ModeHybrid
	p.candidates = max(req.Limit*5, 50)
	p.queryToks = Tokenize(req.Query)

	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if len(req.Fields) == 0 {
			p.types = append(p.types, t)
			continue
		}
		d := types.Describe(t)
		sel := make(map[string]bool)
		for _, f := range req.Fields {
			if spec, ok := d.Field(f); ok && spec.Indexed {
				sel[f] = true
			}
		}
		if len(sel) > 0 {
			p.types = append(p.types, t)
			p.fields[t] = sel
		}
	}
	if len(p.types) == 0 {
		return nil, &types.ValidationError{Field: "fields",
			Constraint: "no requested field is indexed by the requested types"}
	}
	return p, nil
}

func (e *Engine) lexical(c *corpus, p *plan, t types.MemoryType, cands *pool) {
	scores := c.index.score(p.queryToks)
	for _, i := range topPositions(scores, p.candidates) {
		cands.add(t, c.entries[i].id, slotLexical, scores[i])
	}
}

func (e *Engine) stringMatch(c *corpus, p *plan, t types.MemoryType, cands *pool) {
	scores := make(map[int]float64)
	for i, en := range c.entries {
		if s := stringScore(p.req.Query, p.queryToks, en.lower); s > 0 {
			scores[i] = s
		}
	}
	for _, i := range topPositions(scores, p.candidates) {
		cands.add(t, c.entries[i].id, slotString, scores[i])
	}
}

func (e *Engine) fuzzy(c *corpus, p *plan, t types.MemoryType, cands *pool) {
	scores := make(map[int]float64)
	for i, en := range c.entries {
		if s := fuzzyScore(p.queryToks, en.tokens); s > 0 {
			scores[i] = s
		}
	}
	for _, i := range topPositions(scores, p.candidates) {
		cands.add(t, c.entries[i].id, slotFuzzy, scores[i])
	}
}

// vector asks the backend once per selected field so that a field
// restriction is applied before the candidate limit, not after it.
func (e *Engine) vector(ctx context.Context, st *memory.Store, p *plan, qvec []float32, cands *pool) error {
	fields := []string{""}
	if sel := p.fields[st.Type()]; len(sel) > 0 {
		fields = fields[:0]
		for f := range sel {
			fields = append(fields, f)
		}
		sort.Strings(fields)
	}
	for _, f := range fields {
		hits, err := st.SearchVector(ctx, p.req.Scope, f, qvec, p.candidates)
		if err != nil {
			return fmt.Errorf("%s vector search: %w", st.Type(), err)
		}
		for _, h := range hits {
			if h.Similarity <= 0 {
				continue
			}
			cands.add(st.Type(), h.ItemID, slotVector, h.Similarity)
		}
	}
	return nil
}

// rank hydrates the candidates, drops anything no longer live, and fuses
// the surviving scores.
func (e *Engine) rank(ctx context.Context, p *plan, cands *pool) ([]Result, error) {
	byType := make(map[types.MemoryType][]string)
	for id, c := range cands.byID {
		byType[c.t] = append(byType[c.t], id)
	}
	items, err := e.hydrate(ctx, p.req.Scope, byType)
	if err != nil {
		return nil, err
	}

	live := make([]*candidate, 0, len(items))
	for id, it := range items {
		// Vector hits are not path filtered by the backend.
		if !types.HasPathPrefix(it.TreePath, p.req.PathPrefix) {
			continue
		}
		live = append(live, cands.byID[id])
	}

	var lo, hi [4]float64
	var seen [4]bool
	for _, c := range live {
		for s := 0; s < 4; s++ {
			if !c.has[s] {
				continue
			}
			if !seen[s] || c.raw[s] < lo[s] {
				lo[s] = c.raw[s]
			}
			if !seen[s] || c.raw[s] > hi[s] {
				hi[s] = c.raw[s]
			}
			seen[s] = true
		}
	}
	norm := func(c *candidate, s int) float64 {
		if !c.has[s] {
			return 0
		}
		if hi[s] == lo[s] {
			return 1
		}
		return (c.raw[s] - lo[s]) / (hi[s] - lo[s])
	}

	w := [4]float64{e.weights.Lexical, e.weights.Vector, e.weights.String, e.weights.Fuzzy}
	out := make([]Result, 0, len(live))
	for _, c := range live {
		sc := Scores{
			Lexical: norm(c, slotLexical),
			Vector:  norm(c, slotVector),
			String:  norm(c, slotString),
			Fuzzy:   norm(c, slotFuzzy),
		}
		fused := w[slotLexical]*sc.Lexical + w[slotVector]*sc.Vector +
			w[slotString]*sc.String + w[slotFuzzy]*sc.Fuzzy
		out = append(out, Result{Item: items[c.id], Score: fused, Scores: sc})
	}
	sortResults(out)
	if len(out) > p.req.Limit {
		out = out[:p.req.Limit]
	}
	return out, nil
}

func (e *Engine) hydrate(ctx context.Context, scope types.Scope, byType map[types.MemoryType][]string) (map[string]*types.Item, error) {
	var mu sync.Mutex
	items := make(map[string]*types.Item)
	g, gctx := errgroup.WithContext(ctx)
	for t, ids := range byType {
		t, ids := t, ids
		g.Go(func() error {
			st, err := e.reg.Store(t)
			if err != nil {
				return err
			}
			got, err := st.GetMany(gctx, scope, ids)
			if err != nil {
				return fmt.Errorf("failed to hydrate %s results: %w", t, err)
			}
			mu.Lock()
			for _, it := range got {
				items[it.ID] = it
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// recent serves an empty query: the most recently updated live items.
func (e *Engine) recent(ctx context.Context, p *plan) ([]Result, error) {
	var mu sync.Mutex
	var out []Result
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.types {
		t := t
		g.Go(func() error {
			st, err := e.reg.Store(t)
			if err != nil {
				return err
			}
			items, err := st.List(gctx, p.req.Scope, types.ListOpts{PathPrefix: p.req.PathPrefix, Limit: p.req.Limit})
			if err != nil {
				return err
			}
			mu.Lock()
			for _, it := range items {
				out = append(out, Result{Item: it})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortResults(out)
	if len(out) > p.req.Limit {
		out = out[:p.req.Limit]
	}
	return out, nil
}

// sortResults orders by score, then most recent update, then id.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.UpdatedAt.Equal(b.Item.UpdatedAt) {
			return a.Item.UpdatedAt.After(b.Item.UpdatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}

// topPositions returns up to n keys of scores, best first.
func topPositions(scores map[int]float64, n int) []int {
	keys := make([]int, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
