/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/twotwotwo/sorts"
)

// ZoneTree indexes nodes by owner name in DNSSEC canonical order. It is
// built single-threaded, then frozen by Freeze(); after that the slice is
// never mutated and any number of readers may search and traverse it
// concurrently. Exact matches go through the name index in O(1); ordered
// queries (predecessor, traversal) use binary search over the slice.
type ZoneTree struct {
	nodes  []*Node
	index  cmap.ConcurrentMap[string, int] // folded owner -> slice position
	staged map[string]*Node
	frozen bool
}

func NewZoneTree() *ZoneTree {
	return &ZoneTree{
		index:  cmap.New[int](),
		staged: map[string]*Node{},
	}
}

// Insert adds a node in canonical position. Duplicate owners are not
// permitted; merging RRs into an existing node is the builder's job.
func (t *ZoneTree) Insert(node *Node) error {
	if t.frozen {
		return ErrConstraintViolation
	}
	key := FoldName(node.Name)
	if _, exist := t.staged[key]; exist {
		return ErrConstraintViolation
	}
	t.staged[key] = node
	return nil
}

// GetStaged returns a node during the build phase.
func (t *ZoneTree) GetStaged(name string) *Node {
	return t.staged[FoldName(name)]
}

type nodesByCanonicalOrder []*Node

func (n nodesByCanonicalOrder) Len() int      { return len(n) }
func (n nodesByCanonicalOrder) Swap(i, j int) { n[i], n[j] = n[j], n[i] }
func (n nodesByCanonicalOrder) Less(i, j int) bool {
	return CanonicalNameCompare(n[i].Name, n[j].Name) < 0
}

// Freeze sorts the staged nodes into canonical order and builds the exact
// match index. After Freeze the tree is immutable.
func (t *ZoneTree) Freeze() {
	if t.frozen {
		return
	}
	t.nodes = make([]*Node, 0, len(t.staged))
	for _, node := range t.staged {
		t.nodes = append(t.nodes, node)
	}
	sorts.Quicksort(nodesByCanonicalOrder(t.nodes))
	for i, node := range t.nodes {
		t.index.Set(FoldName(node.Name), i)
	}
	t.staged = nil
	t.frozen = true
}

func (t *ZoneTree) Count() int {
	if t.frozen {
		return len(t.nodes)
	}
	return len(t.staged)
}

// Get returns the node with exactly this owner name, or nil.
func (t *ZoneTree) Get(name string) *Node {
	if !t.frozen {
		return t.GetStaged(name)
	}
	if idx, ok := t.index.Get(FoldName(name)); ok {
		return t.nodes[idx]
	}
	return nil
}

// FindLessEqual is the central ordered primitive: it reports whether an
// exact match for name exists and returns the node at or canonically before
// name. The node is nil when name sorts before every owner in the tree.
func (t *ZoneTree) FindLessEqual(name string) (bool, *Node) {
	if len(t.nodes) == 0 {
		return false, nil
	}
	// First index with owner > name.
	idx := sort.Search(len(t.nodes), func(i int) bool {
		return CanonicalNameCompare(t.nodes[i].Name, name) > 0
	})
	if idx == 0 {
		return false, nil
	}
	prev := t.nodes[idx-1]
	return CanonicalNameCompare(prev.Name, name) == 0, prev
}

// Previous returns the canonical-order predecessor, treating the tree as
// circular: the predecessor of the first owner is the last.
func (t *ZoneTree) Previous(node *Node) *Node {
	if len(t.nodes) == 0 {
		return nil
	}
	idx, ok := t.index.Get(FoldName(node.Name))
	if !ok {
		return nil
	}
	if idx == 0 {
		return t.nodes[len(t.nodes)-1]
	}
	return t.nodes[idx-1]
}

// PreviousName returns the node canonically covering the gap before name:
// the closest owner strictly before it, wrapping across the apex. Used for
// NSEC/NSEC3 cover lookups on names that are not in the tree.
func (t *ZoneTree) PreviousName(name string) *Node {
	if len(t.nodes) == 0 {
		return nil
	}
	exact, node := t.FindLessEqual(name)
	if node == nil {
		return t.nodes[len(t.nodes)-1]
	}
	if exact {
		return t.Previous(node)
	}
	return node
}

// Next returns the canonical-order successor, circularly.
func (t *ZoneTree) Next(node *Node) *Node {
	if len(t.nodes) == 0 {
		return nil
	}
	idx, ok := t.index.Get(FoldName(node.Name))
	if !ok {
		return nil
	}
	if idx == len(t.nodes)-1 {
		return t.nodes[0]
	}
	return t.nodes[idx+1]
}

// InOrder walks the tree in canonical order. The visitor returns false to
// stop the walk.
func (t *ZoneTree) InOrder(visit func(*Node) bool) {
	for _, node := range t.nodes {
		if !visit(node) {
			return
		}
	}
}

// ReverseOrder walks in reverse canonical order.
func (t *ZoneTree) ReverseOrder(visit func(*Node) bool) {
	for i := len(t.nodes) - 1; i >= 0; i-- {
		if !visit(t.nodes[i]) {
			return
		}
	}
}

// PostOrder visits every node after all of its descendants. Canonical order
// keeps a subtree contiguous directly after its root, so the reverse walk
// has the children-before-parent property.
func (t *ZoneTree) PostOrder(visit func(*Node) bool) {
	t.ReverseOrder(visit)
}
