// Package engine implements Monte Carlo tree search over language-model
// reasoning steps. The tree is a flat id-keyed map mutated only by its owning
// goroutine. Each iteration selects a leaf by UCB1, expands it through a
// pluggable policy, runs code seeds in the sandbox, scores the new leaf
// through a pluggable evaluator, and back-propagates the score to the root,
// emitting a full tree snapshot after every value update.
package engine

import (
	"encoding/hex"
	"math"

	"github.com/google/uuid"
)

// NodeType classifies tree nodes across both search variants.
type NodeType string

const (
	NodeRoot       NodeType = "root"
	NodeStrategy   NodeType = "strategy"
	NodeCode       NodeType = "code"
	NodeResult     NodeType = "result"
	NodeAnswer     NodeType = "answer"
	NodeHypothesis NodeType = "hypothesis"
	NodeRefinement NodeType = "refinement"
	NodeFinal      NodeType = "final"
)

// Node is one search tree node. Parent and children are held by id so the
// structure stays acyclic and serializes directly.
type Node struct {
	ID         string
	Type       NodeType
	Content    string
	ParentID   string
	Children   []string
	Depth      int
	Visits     int
	TotalValue float64

	// Code execution results, populated for code-typed nodes.
	Code      string
	Stdout    string
	Stderr    string
	Variables map[string]string
	ElapsedMS float64

	// Rubric-variant fields. Rewards holds the per-signal components of the
	// composite score; MAE pointers stay nil until a rubric has been run.
	Rewards     map[string]float64
	TrainMAE    *float64
	EvalMAE     *float64
	ExecutionOK bool
}

// AvgValue is the mean back-propagated value, zero before the first visit.
func (n *Node) AvgValue() float64 {
	if n.Visits == 0 {
		return 0
	}
	return n.TotalValue / float64(n.Visits)
}

// UCBScore ranks this node among its siblings during selection. Unvisited
// nodes score +Inf so every child is tried once before any is revisited.
func (n *Node) UCBScore(parentVisits int, c float64) float64 {
	if n.Visits == 0 {
		return math.Inf(1)
	}
	exploit := n.TotalValue / float64(n.Visits)
	explore := c * math.Sqrt(math.Log(float64(parentVisits))/float64(n.Visits))
	return exploit + explore
}

// newID returns a short unique node id.
func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:8]
}
