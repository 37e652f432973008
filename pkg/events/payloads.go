package events

import (
	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/qa"
	"github.com/treeline-ai/treeline/pkg/rubric"
)

// SearchStartedPayload opens an ask or compare run, before any search work.
type SearchStartedPayload struct {
	Event        string `json:"event"`         // always EventSearchStarted
	Question     string `json:"question"`      // the question being answered
	ContextChars int    `json:"context_chars"` // size of the transcript context
}

// NodeUpdatePayload is one tree-search progress tick: the focal node plus a
// full snapshot, published after back-propagation.
type NodeUpdatePayload struct {
	Event string               `json:"event"`          // always EventNodeUpdate
	Mode  string               `json:"mode,omitempty"` // "mcts" during compare, empty otherwise
	Node  *engine.NodeSnapshot `json:"node"`
	Tree  engine.TreeSnapshot  `json:"tree_snapshot"`
}

// DiscoveryNodePayload is the rubric-discovery form of node_update. Same
// event name on the wire, but the snapshot tracks the best node and every
// tick carries its iteration position.
type DiscoveryNodePayload struct {
	Event           string               `json:"event"` // always EventNodeUpdate
	Node            *engine.NodeSnapshot `json:"node"`
	Tree            *rubric.Snapshot     `json:"tree_snapshot"`
	Iteration       int                  `json:"iteration"` // 1-based
	TotalIterations int                  `json:"total_iterations"`
}

// AnswerReadyPayload delivers the synthesized answer as soon as it exists,
// ahead of the closing search_complete.
type AnswerReadyPayload struct {
	Event      string  `json:"event"`          // always EventAnswerReady
	Mode       string  `json:"mode,omitempty"` // "mcts" during compare
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"` // rounded to 4 decimals
}

// SearchCompletePayload closes an ask run with the final tree.
type SearchCompletePayload struct {
	Event      string              `json:"event"` // always EventSearchComplete
	Answer     string              `json:"answer"`
	Confidence float64             `json:"confidence"`
	Tree       engine.TreeSnapshot `json:"tree"`
}

// PlainStepPayload is one executed fragment of the single-pass baseline.
type PlainStepPayload struct {
	Event string                `json:"event"`          // always EventPlainStep
	Mode  string                `json:"mode,omitempty"` // "plain" during compare
	Step  *qa.PlainStepSnapshot `json:"step"`
}

// MCTSMetrics summarizes the tree side of a comparison run.
type MCTSMetrics struct {
	TotalTimeMS          int64   `json:"total_time_ms"`
	LLMCalls             int64   `json:"llm_calls"` // measured from the client call counter
	CodeExecutions       int     `json:"code_executions"`
	SuccessfulCodeBlocks int     `json:"successful_code_blocks"`
	UniqueStrategies     int     `json:"unique_strategies"` // direct children of the root
	MaxDepthReached      int     `json:"max_depth_reached"`
	AvgNodeValue         float64 `json:"avg_node_value"` // mean over visited non-root nodes
	AnswerLength         int     `json:"answer_length"`
	Confidence           float64 `json:"confidence"`
}

// MCTSComparison is the tree half of a comparison_complete payload.
type MCTSComparison struct {
	Answer     string              `json:"answer"`
	Confidence float64             `json:"confidence"`
	Metrics    *MCTSMetrics        `json:"metrics"`
	Tree       engine.TreeSnapshot `json:"tree"`
}

// ComparisonCompletePayload closes a compare run with both results.
type ComparisonCompletePayload struct {
	Event string                  `json:"event"` // always EventComparisonComplete
	Plain *qa.PlainResultSnapshot `json:"plain"`
	MCTS  *MCTSComparison         `json:"mcts"`
}

// DiscoveryStartedPayload opens a rubric-discovery run.
type DiscoveryStartedPayload struct {
	Event       string `json:"event"` // always EventDiscoveryStarted
	NumTraining int    `json:"num_training"`
	NumEval     int    `json:"num_eval"`
}

// DiscoveryCompletePayload closes a rubric-discovery run. EvalResults holds
// a *rubric.Report, or {"error": "No valid rubric found"} when the best
// rubric never produced eval predictions.
type DiscoveryCompletePayload struct {
	Event          string           `json:"event"` // always EventDiscoveryComplete
	BestRubricCode string           `json:"best_rubric_code"`
	BestScore      float64          `json:"best_score"` // composite reward of the best node
	EvalResults    any              `json:"eval_results"`
	Tree           *rubric.Snapshot `json:"tree_snapshot"`
}

// ErrorPayload reports a request-level failure. The connection stays open.
type ErrorPayload struct {
	Event   string `json:"event"` // always EventError
	Message string `json:"message"`
}

// PongPayload answers a ping frame.
type PongPayload struct {
	Event string `json:"event"` // always EventPong
}
