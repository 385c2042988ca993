// internal/reflexion/scan.go
package reflexion

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/tree"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// scan derives a fresh plan for every type. It fails with
// ErrBudgetExceeded once deadline passes.
func (c *Consolidator) scan(ctx context.Context, scope types.Scope, deadline time.Time) (tree.Plan, error) {
	if c.onScan != nil {
		c.onScan()
	}
	check := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.now().After(deadline) {
			return ErrBudgetExceeded
		}
		return nil
	}

	var plan tree.Plan
	for _, t := range types.AllTypes {
		if err := check(); err != nil {
			return tree.Plan{}, err
		}
		st, err := c.reg.Store(t)
		if err != nil {
			return tree.Plan{}, err
		}
		items, err := st.List(ctx, scope, types.ListOpts{WithEmbeddings: true})
		if err != nil {
			return tree.Plan{}, err
		}
		p, err := c.planType(t, items, check)
		if err != nil {
			return tree.Plan{}, err
		}
		plan.Add(p)
	}
	if err := check(); err != nil {
		return tree.Plan{}, err
	}
	return plan, nil
}

// planType merges similar categories, then files near-duplicate items
// under a shared path.
func (c *Consolidator) planType(t types.MemoryType, items []*types.Item, check func() error) (tree.Plan, error) {
	merged := tree.PlanMerges(t, items, c.cfg.MergeThreshold)

	original := make(map[string][]string, len(items))
	target := make(map[string][]string, len(items))
	for _, it := range items {
		original[it.ID] = it.TreePath
		target[it.ID] = it.TreePath
	}
	for _, m := range merged.Moves {
		target[m.ItemID] = m.To
	}

	groups, err := c.nearDuplicates(items, check)
	if err != nil {
		return tree.Plan{}, err
	}
	for _, g := range groups {
		dest := commonPath(g, target)
		for _, it := range g {
			target[it.ID] = dest
		}
	}

	out := tree.Plan{Merges: merged.Merges}
	for _, it := range items {
		if !types.EqualPath(original[it.ID], target[it.ID]) {
			out.Moves = append(out.Moves, tree.Move{
				ItemID: it.ID, Type: t, From: original[it.ID], To: target[it.ID],
			})
		}
	}
	sort.Slice(out.Moves, func(i, j int) bool { return out.Moves[i].ItemID < out.Moves[j].ItemID })
	return out, nil
}

// nearDuplicates groups items sharing a dedup key family, or whose text
// is nearly identical both lexically and by embedding. Only groups of two
// or more are returned.
func (c *Consolidator) nearDuplicates(items []*types.Item, check func() error) ([][]*types.Item, error) {
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) { parent[find(b)] = find(a) }

	families := make(map[string]int)
	for i, it := range items {
		f := keyFamily(it.DedupKey)
		if f == "" {
			continue
		}
		if j, ok := families[f]; ok {
			union(j, i)
		} else {
			families[f] = i
		}
	}

	n := min(len(items), c.cfg.MaxPairwise)
	tokens := make([]map[string]bool, n)
	for i := 0; i < n; i++ {
		tokens[i] = tokenSet(types.SearchText(items[i].Payload))
	}
	for i := 0; i < n; i++ {
		if err := check(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			if find(i) == find(j) {
				continue
			}
			if jaccard(tokens[i], tokens[j]) < c.cfg.JaccardThreshold {
				continue
			}
			if maxCosine(items[i], items[j]) >= c.cfg.VectorThreshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]*types.Item)
	for i, it := range items {
		r := find(i)
		byRoot[r] = append(byRoot[r], it)
	}
	roots := make([]int, 0, len(byRoot))
	for r, g := range byRoot {
		if len(g) > 1 {
			roots = append(roots, r)
		}
	}
	sort.Ints(roots)
	out := make([][]*types.Item, 0, len(roots))
	for _, r := range roots {
		out = append(out, byRoot[r])
	}
	return out, nil
}

// keyFamily strips the chunk suffix from a dedup key: "handbook.pdf#42"
// and "handbook.pdf#43" belong to the same family. Keys without a
// suffix have no family.
func keyFamily(key string) string {
	i := strings.LastIndexByte(key, '#')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

// commonPath picks the path most of the group already uses, then the one
// that sorts first.
func commonPath(group []*types.Item, target map[string][]string) []string {
	counts := make(map[string]int)
	paths := make(map[string][]string)
	for _, it := range group {
		k := types.PathKey(target[it.ID])
		counts[k]++
		paths[k] = target[it.ID]
	}
	best, found := "", false
	for k, n := range counts {
		if !found || n > counts[best] || (n == counts[best] && k < best) {
			best, found = k, true
		}
	}
	return paths[best]
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range search.Tokenize(s) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// maxCosine is the best similarity over fields both items have vectors
// for, or 0 when they share none.
func maxCosine(a, b *types.Item) float64 {
	best := 0.0
	for f, ea := range a.Embeddings {
		eb, ok := b.Embeddings[f]
		if !ok || ea.Pending() || eb.Pending() || len(ea.Vector) != len(eb.Vector) {
			continue
		}
		if s := embedder.CosineSimilarity(ea.Vector, eb.Vector); s > best {
			best = s
		}
	}
	return best
}
