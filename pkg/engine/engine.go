package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

const (
	// DefaultMaxIterations is the search budget when a request names none.
	DefaultMaxIterations = 12

	// DefaultMaxDepth caps how deep expansion may grow the tree.
	DefaultMaxDepth = 5

	// maxSynthesisCandidates caps how many ranked results reach synthesis.
	maxSynthesisCandidates = 10

	// maxHistoryMessages bounds the branch conversation handed to the
	// policy when no explicit limit is configured.
	maxHistoryMessages = 10

	noAnswerText = "Could not determine an answer."
)

// Seed is one child candidate produced by a policy expansion: either a code
// fragment or a textual strategy.
type Seed struct {
	Type    NodeType
	Content string
	Code    string
}

// Policy proposes child seeds for a leaf. History is the branch conversation
// accumulated so far; implementations decide how much of it to use.
type Policy interface {
	Expand(ctx context.Context, node *Node, history []llm.Message, question string) ([]Seed, error)
}

// Evaluator scores a node in [0,1].
type Evaluator interface {
	Evaluate(ctx context.Context, node *Node, question string) (float64, error)
}

// Candidate is one ranked piece of synthesis material from the tree.
type Candidate struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Type    string  `json:"type"`
	Code    string  `json:"code,omitempty"`
}

// Synthesizer collapses ranked candidates into the final answer text.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, candidates []Candidate, contextChars int) (string, error)
}

// Executor runs code fragments against the persistent namespace and resolves
// variables after execution.
type Executor interface {
	Execute(ctx context.Context, code string) *sandbox.Result
	Lookup(name string) (string, bool)
}

// Options tune one search.
type Options struct {
	// MaxIterations is the fixed iteration budget. The loop always runs it
	// in full; there is no early stop on a good answer.
	MaxIterations int

	// MaxDepth stops expansion below this depth.
	MaxDepth int

	// Exploration is the UCB1 constant, √2 when zero.
	Exploration float64

	// HistoryLimit caps the branch-history messages passed to the policy.
	HistoryLimit int

	// CandidateLimit caps the ranked candidates handed to the synthesizer.
	CandidateLimit int

	// ContextChars is the size of the injected context, reported to the
	// synthesizer.
	ContextChars int
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Exploration <= 0 {
		o.Exploration = math.Sqrt2
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = maxHistoryMessages
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = maxSynthesisCandidates
	}
}

// Outcome is the result of a finished search.
type Outcome struct {
	Answer     string
	Confidence float64
	Tree       TreeSnapshot
}

// Engine drives the four-phase search loop over one tree. An engine serves a
// single Search call; build a fresh one per request.
type Engine struct {
	exec        Executor
	policy      Policy
	evaluator   Evaluator
	synthesizer Synthesizer
	opts        Options
	events      chan<- Event

	tree *Tree

	// history holds the per-branch conversation used to prompt the policy.
	history map[string][]llm.Message
}

// New assembles an engine. A nil events channel disables streaming.
func New(exec Executor, policy Policy, evaluator Evaluator, synthesizer Synthesizer, opts Options, events chan<- Event) *Engine {
	opts.setDefaults()
	return &Engine{
		exec:        exec,
		policy:      policy,
		evaluator:   evaluator,
		synthesizer: synthesizer,
		opts:        opts,
		events:      events,
		history:     make(map[string][]llm.Message),
	}
}

// Tree exposes the search tree, populated once Search has started. The
// orchestrator reads it after completion for comparison metrics.
func (e *Engine) Tree() *Tree {
	return e.tree
}

// Search runs the full iteration budget and synthesizes an answer from the
// best results. It returns early only on context cancellation or a
// persistent policy/evaluator failure.
func (e *Engine) Search(ctx context.Context, question string) (*Outcome, error) {
	root := &Node{ID: newID(), Type: NodeRoot, Content: question}
	e.tree = NewTree(root)
	e.history[root.ID] = nil

	slog.Info("Starting MCTS search",
		"question_chars", len(question),
		"max_iterations", e.opts.MaxIterations,
		"max_depth", e.opts.MaxDepth)

	if err := e.emitNode(ctx, root); err != nil {
		return nil, err
	}

	for i := 0; i < e.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		leaf := e.selectLeaf()

		if leaf.Depth < e.opts.MaxDepth && len(leaf.Children) == 0 {
			children, err := e.expand(ctx, leaf, question)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				leaf = children[0]
			}
		}

		value, err := e.evaluator.Evaluate(ctx, leaf, question)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed: %w", err)
		}

		e.tree.Backpropagate(leaf.ID, value)

		// Snapshot after back-propagation so observers see current counts.
		if err := e.emitNode(ctx, leaf); err != nil {
			return nil, err
		}

		slog.Debug("MCTS iteration complete",
			"iteration", i+1, "leaf", leaf.ID, "value", value, "nodes", e.tree.Len())
	}

	answer, confidence, err := e.synthesize(ctx, question)
	if err != nil {
		return nil, err
	}
	if err := e.emit(ctx, Event{Type: EventAnswerReady, Answer: answer, Confidence: confidence}); err != nil {
		return nil, err
	}

	slog.Info("MCTS search complete",
		"nodes", e.tree.Len(), "confidence", confidence, "answer_chars", len(answer))

	return &Outcome{Answer: answer, Confidence: confidence, Tree: e.tree.Snapshot()}, nil
}

// selectLeaf descends from the root by UCB1 until it reaches a childless
// node. Parent visits floor at 1 so the first descent never takes log(0).
func (e *Engine) selectLeaf() *Node {
	node := e.tree.Root()
	for len(node.Children) > 0 {
		parentVisits := node.Visits
		if parentVisits < 1 {
			parentVisits = 1
		}
		var best *Node
		bestScore := math.Inf(-1)
		for _, cid := range node.Children {
			child := e.tree.Nodes[cid]
			if score := child.UCBScore(parentVisits, e.opts.Exploration); score > bestScore {
				best, bestScore = child, score
			}
		}
		node = best
	}
	return node
}

// expand asks the policy for child seeds, registers them, executes code
// seeds, and extends each child's branch conversation.
func (e *Engine) expand(ctx context.Context, parent *Node, question string) ([]*Node, error) {
	history := e.branchHistory(parent.ID)

	seeds, err := e.policy.Expand(ctx, parent, e.trimHistory(history), question)
	if err != nil {
		return nil, fmt.Errorf("policy expansion failed: %w", err)
	}

	var children []*Node
	for _, seed := range seeds {
		child := &Node{Type: seed.Type, Content: seed.Content, Code: seed.Code}
		e.tree.Add(parent, child)

		if child.Type == NodeCode && child.Code != "" {
			e.runCode(ctx, child)
		}

		msgs := append([]llm.Message(nil), history...)
		if child.Code != "" {
			msgs = append(msgs, llm.Assistant(fmt.Sprintf("```repl\n%s\n```", child.Code)))
			output := fmt.Sprintf("REPL output:\n%s\n", clip(child.Stdout, 3000))
			if child.Stderr != "" {
				output += "Errors:\n" + clip(child.Stderr, 500)
			}
			msgs = append(msgs, llm.User(output))
		}
		e.history[child.ID] = msgs

		children = append(children, child)
	}
	return children, nil
}

// runCode executes a code child, derives its displayed content from the
// outcome, and appends an answer child when the fragment marked a final
// variable.
func (e *Engine) runCode(ctx context.Context, child *Node) {
	res := e.exec.Execute(ctx, child.Code)
	child.Stdout = clip(res.Stdout, 2000)
	child.Stderr = clip(res.Stderr, 1000)
	child.Variables = res.Variables
	child.ElapsedMS = res.ElapsedMS

	switch {
	case res.Success && strings.TrimSpace(res.Stdout) != "":
		child.Content = "Code executed → " + strings.TrimSpace(clip(res.Stdout, 200))
	case !res.Success:
		child.Content = "Code error → " + strings.TrimSpace(clip(res.Stderr, 200))
	default:
		child.Content = fmt.Sprintf("Code executed (no output), vars: %v", variableNames(res.Variables, 5))
	}

	if value, ok := e.finalAnswer(child); ok {
		e.tree.Add(child, &Node{Type: NodeAnswer, Content: value})
	}
}

var finalVarRE = regexp.MustCompile(`FINAL_VAR\(([^)]+)\)`)

// finalAnswer scans code and stdout for the FINAL_VAR marker and resolves
// the named variable from the namespace after execution, so when the code
// rebinds the name later the final value wins.
func (e *Engine) finalAnswer(n *Node) (string, bool) {
	m := finalVarRE.FindStringSubmatch(n.Code + "\n" + n.Stdout)
	if m == nil {
		return "", false
	}
	return e.exec.Lookup(m[1])
}

// branchHistory returns a copy of the conversation for a branch, inheriting
// from the nearest ancestor when the node has none of its own.
func (e *Engine) branchHistory(id string) []llm.Message {
	for id != "" {
		if msgs, ok := e.history[id]; ok {
			return append([]llm.Message(nil), msgs...)
		}
		node, ok := e.tree.Nodes[id]
		if !ok {
			break
		}
		id = node.ParentID
	}
	return nil
}

// trimHistory keeps the newest messages within the configured limit. Stored
// branch history stays complete; only the policy prompt is bounded.
func (e *Engine) trimHistory(msgs []llm.Message) []llm.Message {
	if len(msgs) <= e.opts.HistoryLimit {
		return msgs
	}
	return msgs[len(msgs)-e.opts.HistoryLimit:]
}

// synthesize ranks tree results and asks the synthesizer for a final answer.
// Confidence is the best candidate's average value.
func (e *Engine) synthesize(ctx context.Context, question string) (string, float64, error) {
	candidates := e.tree.Candidates()
	if len(candidates) == 0 {
		return noAnswerText, 0.0, nil
	}

	confidence := candidates[0].Score
	if confidence > 1 {
		confidence = 1
	}
	if len(candidates) > e.opts.CandidateLimit {
		candidates = candidates[:e.opts.CandidateLimit]
	}

	answer, err := e.synthesizer.Synthesize(ctx, question, candidates, e.opts.ContextChars)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		slog.Warn("Synthesis failed, falling back to best candidate", "error", err)
		answer = candidates[0].Content
	}
	return answer, confidence, nil
}

func (e *Engine) emitNode(ctx context.Context, n *Node) error {
	return e.emit(ctx, Event{Type: EventNodeUpdate, Node: n.Snapshot(), Tree: e.tree.Snapshot()})
}

func (e *Engine) emit(ctx context.Context, ev Event) error {
	if e.events == nil {
		return nil
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// variableNames lists snapshot variable names deterministically, capped.
func variableNames(vars map[string]string, limit int) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}
