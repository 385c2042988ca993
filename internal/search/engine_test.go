package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

var (
	alice = types.Scope{OwnerID: "alice"}
	bob   = types.Scope{OwnerID: "bob"}
)

type fixture struct {
	reg *memory.Registry
	gw  *embedder.Gateway
	eng *Engine
}

// tickingClock advances one second per call so every write has a distinct
// updated_at.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newFixture(t *testing.T, withEmbedder bool, opts ...Option) *fixture {
	t.Helper()
	reg := memory.NewRegistry(storage.NewMemory(), memory.WithClock(tickingClock()))
	var gw *embedder.Gateway
	if withEmbedder {
		gw = embedder.NewGateway(embedder.NewHashing(256), time.Second, nil)
	} else {
		gw = embedder.NewGateway(nil, 0, nil)
	}
	eng, err := New(reg, gw, opts...)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return &fixture{reg: reg, gw: gw, eng: eng}
}

func (f *fixture) semantic(t *testing.T, scope types.Scope, name, summary string, path ...string) *types.Item {
	t.Helper()
	return f.create(t, scope, &types.Semantic{Name: name, Summary: summary, Details: summary}, path...)
}

func (f *fixture) create(t *testing.T, scope types.Scope, p types.Payload, path ...string) *types.Item {
	t.Helper()
	st, err := f.reg.Store(p.Kind())
	require.NoError(t, err)
	it, _, err := st.Create(context.Background(), scope, memory.Draft{Payload: p, TreePath: path})
	require.NoError(t, err)
	return it
}

func (f *fixture) backfill(t *testing.T) {
	t.Helper()
	for _, mt := range types.AllTypes {
		st, _ := f.reg.Store(mt)
		for {
			stats, err := st.BackfillEmbeddings(context.Background(), f.gw, 100, time.Minute)
			require.NoError(t, err)
			if stats.Claimed == 0 {
				break
			}
		}
	}
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Item.ID
	}
	return out
}

func TestSearch_DeletedItemsNeverReturned(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	keep := f.semantic(t, alice, "Go", "a compiled language")
	drop := f.semantic(t, alice, "Go modules", "dependency management for Go")
	f.backfill(t)

	// Warm the corpus cache before deleting.
	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "Go"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{keep.ID, drop.ID}, ids(rs))

	st, _ := f.reg.Store(types.TypeSemantic)
	require.NoError(t, st.SoftDelete(ctx, alice, drop.ID))

	for _, m := range []Mode{0, ModeLexical, ModeVector, ModeString, ModeFuzzy, ModeAll} {
		rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "Go modules", Modes: m})
		require.NoError(t, err)
		assert.NotContains(t, ids(rs), drop.ID, "mode %d", m)
	}
}

func TestSearch_EditedItemStaysLexicallyFindable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	it := f.semantic(t, alice, "Rust", "a systems language")
	f.backfill(t)

	st, _ := f.reg.Store(types.TypeSemantic)
	_, err := st.Update(ctx, alice, it.ID, types.FieldPatch{"summary": "borrow checker explained"})
	require.NoError(t, err)

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "borrow checker", Modes: ModeLexical})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, it.ID, rs[0].Item.ID)
}

func TestSearch_StringFallbackCatchesUnembeddedItem(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.semantic(t, alice, "weekly sync", "status meeting with the platform team")
	f.semantic(t, alice, "lunch", "tacos on friday")
	f.backfill(t)

	// Added after the backfill, so it has no vectors yet. Its only mention
	// of the query is inside a longer token, invisible to BM25.
	target := f.semantic(t, alice, "contact", "ping AliceBobson about the offsite")

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "Alice", Limit: 10})
	require.NoError(t, err)
	require.Contains(t, ids(rs), target.ID)
	for _, r := range rs {
		if r.Item.ID == target.ID {
			assert.Equal(t, 1.0, r.Scores.String)
			assert.Zero(t, r.Scores.Lexical)
			assert.Zero(t, r.Scores.Vector)
		}
	}
}

func TestSearch_FusionKeepsLexicalOnlyItems(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	embedded := f.semantic(t, alice, "postgres tuning", "vacuum and autovacuum settings")
	f.backfill(t)
	pending := f.semantic(t, alice, "postgres backups", "pg_dump nightly")

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "postgres", Modes: ModeHybrid, Limit: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{embedded.ID, pending.ID}, ids(rs))
	assert.Equal(t, embedded.ID, rs[0].Item.ID, "vector agreement ranks the embedded item first")
}

func TestSearch_TiesPreferMostRecent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	older := f.semantic(t, alice, "kafka", "log compaction notes")
	newer := f.semantic(t, alice, "kafka", "log compaction notes")

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "kafka"})
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, rs[0].Score, rs[1].Score)
	assert.Equal(t, []string{newer.ID, older.ID}, ids(rs))
}

func TestSearch_EmptyQueryReturnsMostRecent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.semantic(t, alice, "a", "first")
	b := f.semantic(t, alice, "b", "second")
	st, _ := f.reg.Store(types.TypeCore)
	c, _, err := st.Create(ctx, alice, memory.Draft{Payload: &types.Core{Label: "name", Value: "Alice"}})
	require.NoError(t, err)

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "  ", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, b.ID}, ids(rs))

	rs, err = f.eng.Search(ctx, Request{Scope: alice, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(rs), "limit beyond the corpus returns everything")
}

func TestSearch_ScopedToOwner(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.semantic(t, alice, "roadmap", "q3 launch plan")
	f.backfill(t)

	rs, err := f.eng.Search(ctx, Request{Scope: bob, Query: "roadmap", Modes: ModeAll})
	require.NoError(t, err)
	assert.Empty(t, rs)

	_, err = f.eng.Search(ctx, Request{Query: "roadmap"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSearch_FuzzyToleratesTypos(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	it := f.semantic(t, alice, "kubernetes", "cluster upgrades")

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "kubernetse", Modes: ModeLexical})
	require.NoError(t, err)
	assert.Empty(t, rs)

	rs, err = f.eng.Search(ctx, Request{Scope: alice, Query: "kubernetse"})
	require.NoError(t, err)
	require.Len(t, rs, 1, "fuzzy fallback kicks in")
	assert.Equal(t, it.ID, rs[0].Item.ID)
	assert.Positive(t, rs[0].Scores.Fuzzy)
}

func TestSearch_TypesFieldsAndPath(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	inWork := f.semantic(t, alice, "deploy", "deploy checklist", "work")
	f.semantic(t, alice, "deploy", "deploy a garden shed", "home")
	proc, _ := f.reg.Store(types.TypeProcedural)
	p, _, err := proc.Create(ctx, alice, memory.Draft{Payload: &types.Procedural{
		EntryType: "howto", Summary: "deploy the api", Steps: []string{"build", "ship"},
	}})
	require.NoError(t, err)

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "deploy", PathPrefix: []string{"work"}, Types: []types.MemoryType{types.TypeSemantic}})
	require.NoError(t, err)
	assert.Equal(t, []string{inWork.ID}, ids(rs))

	rs, err = f.eng.Search(ctx, Request{Scope: alice, Query: "deploy", Fields: []string{"steps", "summary"}, Types: []types.MemoryType{types.TypeProcedural}})
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids(rs))

	_, err = f.eng.Search(ctx, Request{Scope: alice, Query: "deploy", Fields: []string{"secret_value"}})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSearch_VectorFieldRestrictionAppliesBeforeLimit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		f.create(t, alice, &types.Semantic{
			Name:    "alpha beta",
			Summary: "alpha beta",
			Details: fmt.Sprintf("quarterly budget review %d", i),
		})
	}
	target := f.create(t, alice, &types.Semantic{Name: "target", Summary: "misc note", Details: "alpha beta gamma"})
	f.backfill(t)

	rs, err := f.eng.Search(ctx, Request{
		Scope:  alice,
		Query:  "alpha beta",
		Fields: []string{"details"},
		Modes:  ModeVector,
		Limit:  10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	assert.Equal(t, target.ID, rs[0].Item.ID)
}

func TestSearch_ExplicitHybridKeepsFallbacks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	it := f.semantic(t, alice, "coffee", "Met Alice for coffee")

	def, err := f.eng.Search(ctx, Request{Scope: alice, Query: "alic"})
	require.NoError(t, err)
	require.Equal(t, []string{it.ID}, ids(def))

	m, err := ParseModes([]string{"hybrid"})
	require.NoError(t, err)
	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "alic", Modes: m})
	require.NoError(t, err)
	assert.Equal(t, ids(def), ids(rs))

	rs, err = f.eng.Search(ctx, Request{Scope: alice, Query: "alic", Modes: ModeLexical | ModeVector})
	require.NoError(t, err)
	assert.Equal(t, ids(def), ids(rs))
}

func TestSearch_CorpusCapIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	f := newFixture(t, false, WithMaxCorpus(2), WithLogger(logger))
	ctx := context.Background()
	oldest := f.semantic(t, alice, "kafka one", "kafka notes")
	f.semantic(t, alice, "kafka two", "kafka notes")
	f.semantic(t, alice, "kafka three", "kafka notes")

	rs, err := f.eng.Search(ctx, Request{Scope: alice, Query: "kafka", Modes: ModeLexical, Types: []types.MemoryType{types.TypeSemantic}})
	require.NoError(t, err)
	assert.Len(t, rs, 2)
	assert.NotContains(t, ids(rs), oldest.ID)
	assert.Contains(t, buf.String(), "search corpus truncated")
}

func TestParseModes(t *testing.T) {
	m, err := ParseModes([]string{"lexical", "Fuzzy"})
	require.NoError(t, err)
	assert.Equal(t, ModeLexical|ModeFuzzy, m)

	m, err = ParseModes(nil)
	require.NoError(t, err)
	assert.Zero(t, m)

	m, err = ParseModes([]string{"hybrid"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)

	_, err = ParseModes([]string{"telepathy"})
	assert.ErrorIs(t, err, types.ErrValidation)
}
