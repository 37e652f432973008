package engine

import (
	"sort"
	"strings"
)

// Tree is the id-keyed search tree. It belongs to exactly one search; the
// engine loop is sequential, so no locking happens here.
type Tree struct {
	Nodes  map[string]*Node
	RootID string

	// order preserves creation order for deterministic iteration.
	order []string
}

// NewTree creates a tree around the given root node, assigning it an id if
// it has none.
func NewTree(root *Node) *Tree {
	if root.ID == "" {
		root.ID = newID()
	}
	root.Type = NodeRoot
	return &Tree{
		Nodes:  map[string]*Node{root.ID: root},
		RootID: root.ID,
		order:  []string{root.ID},
	}
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.Nodes[t.RootID]
}

// Len reports the number of nodes.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Add registers child under parent, assigning id, parent link, and depth.
func (t *Tree) Add(parent, child *Node) {
	if child.ID == "" {
		child.ID = newID()
	}
	child.ParentID = parent.ID
	child.Depth = parent.Depth + 1
	t.Nodes[child.ID] = child
	t.order = append(t.order, child.ID)
	parent.Children = append(parent.Children, child.ID)
}

// Backpropagate walks parent links from id to the root, adding one visit and
// the value to every node on the path, root included.
func (t *Tree) Backpropagate(id string, value float64) {
	for id != "" {
		node, ok := t.Nodes[id]
		if !ok {
			return
		}
		node.Visits++
		node.TotalValue += value
		id = node.ParentID
	}
}

// Walk visits every node in creation order.
func (t *Tree) Walk(fn func(*Node)) {
	for _, id := range t.order {
		fn(t.Nodes[id])
	}
}

// Snapshot serializes the whole tree.
func (t *Tree) Snapshot() TreeSnapshot {
	snap := make(TreeSnapshot, len(t.Nodes))
	for id, node := range t.Nodes {
		snap[id] = node.Snapshot()
	}
	return snap
}

// Candidates gathers synthesis material: visited answer nodes plus visited
// code nodes that produced output, ranked by average value descending.
func (t *Tree) Candidates() []Candidate {
	var out []Candidate
	t.Walk(func(n *Node) {
		switch {
		case n.Type == NodeAnswer && n.Visits > 0:
			out = append(out, Candidate{
				Content: n.Content,
				Score:   round3(n.AvgValue()),
				Type:    "answer",
			})
		case n.Type == NodeCode && n.Visits > 0 && strings.TrimSpace(n.Stdout) != "":
			out = append(out, Candidate{
				Content: clip(n.Stdout, 500),
				Score:   round3(n.AvgValue()),
				Type:    "code_result",
				Code:    clip(n.Code, 300),
			})
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
