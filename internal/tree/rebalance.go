// internal/tree/rebalance.go
package tree

import (
	"sort"
	"strings"

	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// DefaultMergeThreshold is the label similarity at which two sibling
// categories are considered the same.
const DefaultMergeThreshold = 0.85

// Move refiles one item.
type Move struct {
	ItemID string           `json:"item_id"`
	Type   types.MemoryType `json:"type"`
	From   []string         `json:"from"`
	To     []string         `json:"to"`
}

// Merge records one category folded into a sibling.
type Merge struct {
	Type   types.MemoryType `json:"type"`
	Parent []string         `json:"parent"`
	From   string           `json:"from"`
	Into   string           `json:"into"`
	Items  int              `json:"items"`
}

// Plan is a set of proposed moves. Nothing changes until it is applied.
type Plan struct {
	Merges []Merge `json:"merges,omitempty"`
	Moves  []Move  `json:"moves,omitempty"`
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool { return len(p.Moves) == 0 }

// Add appends another plan's work.
func (p *Plan) Add(o Plan) {
	p.Merges = append(p.Merges, o.Merges...)
	p.Moves = append(p.Moves, o.Moves...)
}

// PlanMerges proposes folding near-duplicate sibling categories of items
// into one. The category holding more items wins; ties go to the label
// that sorts first. Merging is applied top down so children of merged
// categories are compared again under their new parent.
func PlanMerges(t types.MemoryType, items []*types.Item, threshold float64) Plan {
	if threshold <= 0 {
		threshold = DefaultMergeThreshold
	}
	original := make(map[string][]string, len(items))
	work := make([]*types.Item, len(items))
	for i, it := range items {
		original[it.ID] = it.TreePath
		cp := *it
		cp.TreePath = append([]string(nil), it.TreePath...)
		work[i] = &cp
	}

	root := Build(work)
	var plan Plan
	consolidate(root, 0, t, threshold, &plan)

	for _, it := range work {
		from := original[it.ID]
		if !types.EqualPath(from, it.TreePath) {
			plan.Moves = append(plan.Moves, Move{ItemID: it.ID, Type: t, From: from, To: it.TreePath})
		}
	}
	sort.Slice(plan.Moves, func(i, j int) bool { return plan.Moves[i].ItemID < plan.Moves[j].ItemID })
	return plan
}

func consolidate(n *Node, depth int, t types.MemoryType, threshold float64, plan *Plan) {
	groups := groupSiblings(n.Children, threshold)
	if len(groups) < len(n.Children) {
		kept := make([]*Node, 0, len(groups))
		for _, g := range groups {
			canon := g[0]
			for _, other := range g[1:] {
				moved := other.subtreeItems()
				for _, it := range moved {
					it.TreePath[depth] = canon.Label
				}
				plan.Merges = append(plan.Merges, Merge{
					Type:   t,
					Parent: append([]string(nil), n.Path...),
					From:   other.Label,
					Into:   canon.Label,
					Items:  len(moved),
				})
				canon.absorb(other)
			}
			kept = append(kept, canon)
		}
		n.Children = kept
		n.finish(n.Path)
	}
	for _, c := range n.Children {
		consolidate(c, depth+1, t, threshold, plan)
	}
}

// groupSiblings clusters near-duplicate labels. The first node of each
// group is the canonical one.
func groupSiblings(nodes []*Node, threshold float64) [][]*Node {
	parent := make([]int, len(nodes))
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
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if sameCategory(nodes[i].Label, nodes[j].Label, threshold) {
				parent[find(j)] = find(i)
			}
		}
	}

	byRoot := make(map[int][]*Node)
	var order []int
	for i, nd := range nodes {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			order = append(order, r)
		}
		byRoot[r] = append(byRoot[r], nd)
	}
	groups := make([][]*Node, 0, len(order))
	for _, r := range order {
		g := byRoot[r]
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Total != g[j].Total {
				return g[i].Total > g[j].Total
			}
			return g[i].Label < g[j].Label
		})
		groups = append(groups, g)
	}
	return groups
}

func sameCategory(a, b string, threshold float64) bool {
	fa, fb := foldLabel(a), foldLabel(b)
	if fa == fb {
		return true
	}
	return search.Similarity(fa, fb) >= threshold
}

// foldLabel lowercases a label and reduces simple English plurals.
func foldLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	}), " ")
	switch {
	case len(s) > 4 && strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case len(s) > 3 && (strings.HasSuffix(s, "ches") || strings.HasSuffix(s, "shes") ||
		strings.HasSuffix(s, "xes") || strings.HasSuffix(s, "sses")):
		return s[:len(s)-2]
	case len(s) > 3 && strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss"):
		return s[:len(s)-1]
	}
	return s
}
