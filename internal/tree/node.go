// internal/tree/node.go
// Package tree maintains the hierarchical category paths items are filed
// under: browsing, moving, and merging near-duplicate categories.
package tree

import (
	"sort"

	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Node is one category in the tree.
type Node struct {
	Label    string   `json:"label"`
	Path     []string `json:"path"`
	Direct   int      `json:"direct"`
	Total    int      `json:"total"`
	Children []*Node  `json:"children,omitempty"`

	items []*types.Item
}

// Build assembles the tree for items. The root has an empty label.
func Build(items []*types.Item) *Node {
	root := &Node{}
	for _, it := range items {
		n := root
		for _, label := range it.TreePath {
			n = n.child(label)
		}
		n.items = append(n.items, it)
	}
	root.finish(nil)
	return root
}

func (n *Node) child(label string) *Node {
	for _, c := range n.Children {
		if c.Label == label {
			return c
		}
	}
	c := &Node{Label: label}
	n.Children = append(n.Children, c)
	return c
}

// finish sorts children and recomputes paths and counts.
func (n *Node) finish(path []string) int {
	n.Path = path
	n.Direct = len(n.items)
	n.Total = n.Direct
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Label < n.Children[j].Label })
	for _, c := range n.Children {
		p := make([]string, len(path)+1)
		copy(p, path)
		p[len(path)] = c.Label
		n.Total += c.finish(p)
	}
	return n.Total
}

// Find returns the node at path, or nil.
func (n *Node) Find(path []string) *Node {
	cur := n
	for _, label := range path {
		var next *Node
		for _, c := range cur.Children {
			if c.Label == label {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// Walk visits n and its descendants depth first until fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Items returns the items filed directly at n.
func (n *Node) Items() []*types.Item { return n.items }

// subtreeItems collects every item at or below n.
func (n *Node) subtreeItems() []*types.Item {
	var out []*types.Item
	n.Walk(func(m *Node) bool {
		out = append(out, m.items...)
		return true
	})
	return out
}

// absorb merges src into n, combining same-label children.
func (n *Node) absorb(src *Node) {
	n.items = append(n.items, src.items...)
	for _, sc := range src.Children {
		var dst *Node
		for _, c := range n.Children {
			if c.Label == sc.Label {
				dst = c
				break
			}
		}
		if dst == nil {
			n.Children = append(n.Children, sc)
			continue
		}
		dst.absorb(sc)
	}
}
