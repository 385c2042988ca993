package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MereWhiplash/engram-cortex/internal/memory"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

var alice = types.Scope{OwnerID: "alice"}

func item(id string, path ...string) *types.Item {
	return &types.Item{ID: id, Type: types.TypeSemantic, TreePath: path}
}

func TestBuild_Counts(t *testing.T) {
	root := Build([]*types.Item{
		item("1", "work", "projects"),
		item("2", "work", "projects"),
		item("3", "work"),
		item("4", "home"),
	})
	assert.Equal(t, 4, root.Total)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "home", root.Children[0].Label)

	work := root.Find([]string{"work"})
	require.NotNil(t, work)
	assert.Equal(t, 1, work.Direct)
	assert.Equal(t, 3, work.Total)
	assert.Equal(t, []string{"work", "projects"}, work.Children[0].Path)
	assert.Nil(t, root.Find([]string{"nope"}))
}

func TestFoldLabel(t *testing.T) {
	for in, want := range map[string]string{
		"Recipes":       "recipe",
		"categories":    "category",
		"boxes":         "box",
		"class":         "class",
		"Side-Projects": "side project",
	} {
		assert.Equal(t, want, foldLabel(in), in)
	}
}

func TestPlanMerges_PluralAndCase(t *testing.T) {
	items := []*types.Item{
		item("1", "cooking", "recipes"),
		item("2", "cooking", "recipes"),
		item("3", "cooking", "Recipe"),
		item("4", "cooking", "wine"),
	}
	plan := PlanMerges(types.TypeSemantic, items, 0)
	require.Len(t, plan.Moves, 1)
	assert.Equal(t, Move{ItemID: "3", Type: types.TypeSemantic,
		From: []string{"cooking", "Recipe"}, To: []string{"cooking", "recipes"}}, plan.Moves[0])
	require.Len(t, plan.Merges, 1)
	assert.Equal(t, "Recipe", plan.Merges[0].From)
	assert.Equal(t, "recipes", plan.Merges[0].Into)

	// Inputs are not modified.
	assert.Equal(t, []string{"cooking", "Recipe"}, items[2].TreePath)
}

func TestPlanMerges_NestedAfterParentMerge(t *testing.T) {
	items := []*types.Item{
		item("1", "project", "notes"),
		item("2", "projects", "note"),
		item("3", "projects", "todo"),
	}
	plan := PlanMerges(types.TypeSemantic, items, 0)
	to := map[string][]string{}
	for _, m := range plan.Moves {
		to[m.ItemID] = m.To
	}
	assert.Equal(t, []string{"projects", "note"}, to["1"])
	_, moved := to["3"]
	assert.False(t, moved)
	_, moved = to["2"]
	assert.False(t, moved)
}

func TestPlanMerges_NothingToDo(t *testing.T) {
	plan := PlanMerges(types.TypeSemantic, []*types.Item{item("1", "a"), item("2", "b")}, 0)
	assert.True(t, plan.Empty())
}

func TestIndex_RebalanceApply(t *testing.T) {
	reg := memory.NewRegistry(storage.NewMemory())
	ix := New(reg)
	ctx := context.Background()
	st, _ := reg.Store(types.TypeProcedural)

	mk := func(summary string, path ...string) *types.Item {
		it, _, err := st.Create(ctx, alice, memory.Draft{
			Payload:  &types.Procedural{EntryType: "howto", Summary: summary, Steps: []string{"go"}},
			TreePath: path,
		})
		require.NoError(t, err)
		return it
	}
	a := mk("deploy api", "deployments")
	mk("deploy web", "deployments")
	mk("deploy docs", "deployments")
	c := mk("deploy db", "deployment")
	d := mk("rotate keys", "deployment")

	plan, err := ix.Rebalance(ctx, alice, types.TypeProcedural, 0)
	require.NoError(t, err)
	require.Len(t, plan.Moves, 2)

	// d is refiled by hand between planning and applying.
	_, err = ix.Move(ctx, alice, d.ID, []string{"security"})
	require.NoError(t, err)

	applied, err := ix.Apply(ctx, alice, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := st.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"deployments"}, got.TreePath)
	got, _ = st.Get(ctx, alice, d.ID)
	assert.Equal(t, []string{"security"}, got.TreePath)

	root, err := ix.Tree(ctx, alice, types.TypeProcedural, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, root.Find([]string{"deployments"}).Total)
	assert.Nil(t, root.Find([]string{"deployment"}))

	sub, err := ix.Tree(ctx, alice, types.TypeProcedural, []string{"deployments"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deployments"}, sub.Path)
	require.Len(t, sub.Items(), 4)
	var filed []string
	for _, it := range sub.Items() {
		filed = append(filed, it.ID)
	}
	assert.Contains(t, filed, a.ID)
	assert.Contains(t, filed, c.ID)
}

func TestIndex_MoveValidatesAndScopes(t *testing.T) {
	reg := memory.NewRegistry(storage.NewMemory())
	ix := New(reg)
	ctx := context.Background()
	st, _ := reg.Store(types.TypeSemantic)
	it, _, err := st.Create(ctx, alice, memory.Draft{Payload: &types.Semantic{Name: "x", Summary: "y", Details: "z"}})
	require.NoError(t, err)

	_, err = ix.Move(ctx, types.Scope{OwnerID: "bob"}, it.ID, []string{"stolen"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = ix.Move(ctx, alice, "bogus", []string{"a"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}
