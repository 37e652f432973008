package engine

import "math"

// Serialization caps keep streamed payloads bounded no matter how much a
// code fragment printed. Live nodes are never truncated.
const (
	snapshotContentCap = 300
	snapshotCodeCap    = 500
	snapshotStdoutCap  = 300
	snapshotStderrCap  = 200
)

// NodeSnapshot is the wire form of a node.
type NodeSnapshot struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Type       NodeType          `json:"node_type"`
	ParentID   string            `json:"parent_id,omitempty"`
	Children   []string          `json:"children"`
	Visits     int               `json:"visits"`
	TotalValue float64           `json:"total_value"`
	AvgValue   float64           `json:"avg_value"`
	Depth      int               `json:"depth"`
	Code       string            `json:"code,omitempty"`
	Stdout     string            `json:"repl_stdout,omitempty"`
	Stderr     string            `json:"repl_stderr,omitempty"`
	Variables  map[string]string `json:"repl_vars,omitempty"`
	ElapsedMS  float64           `json:"execution_ms"`

	Rewards     map[string]float64 `json:"rewards,omitempty"`
	TrainMAE    *float64           `json:"train_mae,omitempty"`
	EvalMAE     *float64           `json:"eval_mae,omitempty"`
	ExecutionOK bool               `json:"execution_success,omitempty"`
}

// TreeSnapshot maps node id to serialized node.
type TreeSnapshot map[string]*NodeSnapshot

// Snapshot serializes the node with bounded text fields.
func (n *Node) Snapshot() *NodeSnapshot {
	return &NodeSnapshot{
		ID:          n.ID,
		Content:     clip(n.Content, snapshotContentCap),
		Type:        n.Type,
		ParentID:    n.ParentID,
		Children:    append([]string(nil), n.Children...),
		Visits:      n.Visits,
		TotalValue:  round4(n.TotalValue),
		AvgValue:    round4(n.AvgValue()),
		Depth:       n.Depth,
		Code:        clip(n.Code, snapshotCodeCap),
		Stdout:      clip(n.Stdout, snapshotStdoutCap),
		Stderr:      clip(n.Stderr, snapshotStderrCap),
		Variables:   n.Variables,
		ElapsedMS:   n.ElapsedMS,
		Rewards:     n.Rewards,
		TrainMAE:    n.TrainMAE,
		EvalMAE:     n.EvalMAE,
		ExecutionOK: n.ExecutionOK,
	}
}

// clip truncates to at most limit runes.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
