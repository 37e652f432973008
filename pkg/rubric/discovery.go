// Package rubric implements scoring-rubric discovery: given a dataset of
// scored responses, a tree search proposes executable rubric functions,
// grades them with five algorithmic reward signals, and refines the most
// promising ones until the iteration budget runs out.
package rubric

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

const (
	// DefaultMaxIterations is the discovery budget when a request names none.
	DefaultMaxIterations = 15

	// DefaultMaxDepth caps refinement chains.
	DefaultMaxDepth = 4

	// DefaultTolerance is the |predicted-actual| bound counted as accurate.
	DefaultTolerance = 0.15

	rubricFunction = "rubric_fn"

	missingRubricWarning = "Warning: No `rubric_fn` function found in code.\n"
)

// Options tune one discovery run.
type Options struct {
	MaxIterations int
	MaxDepth      int
	Exploration   float64
	Tolerance     float64
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
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
}

// Event is one discovery notification: the freshly evaluated node, a full
// tree snapshot, and loop progress.
type Event struct {
	Node      *engine.NodeSnapshot
	Tree      *Snapshot
	Iteration int
	Total     int
}

// Snapshot is the wire form of the discovery tree.
type Snapshot struct {
	RootID     string              `json:"root_id"`
	Nodes      engine.TreeSnapshot `json:"nodes"`
	BestNodeID string              `json:"best_node_id,omitempty"`
}

// Report is the held-out evaluation of the best rubric.
type Report struct {
	BestRubricCode string      `json:"best_rubric_code"`
	EvalMAE        float64     `json:"eval_mae"`
	EvalAccuracy   float64     `json:"eval_accuracy"`
	EvalCount      int         `json:"eval_count"`
	EvalResults    []ResultRow `json:"eval_results"`
	BestComposite  float64     `json:"best_composite"`
}

// Outcome is the result of a finished discovery run. Report is nil when no
// hypothesis ever produced held-out results.
type Outcome struct {
	BestCode      string
	BestComposite float64
	Report        *Report
	Tree          *Snapshot
}

// Discovery drives the refinement search over one dataset. Like the QA
// engine it serves a single Run call; build a fresh one per request.
type Discovery struct {
	box    *sandbox.Sandbox
	policy *Policy
	opts   Options
	events chan<- Event

	train  []sandbox.Example
	eval   []sandbox.Example
	sample []sandbox.Example

	tree *engine.Tree
	best *engine.Node

	// Held-out prediction rows per node id, kept out of snapshots.
	evalRows map[string][]ResultRow
}

// NewDiscovery assembles a discovery engine. The sandbox must have been
// built with the same train and sample sets so test_rubric and the policy
// prompts agree on what the model is looking at. A nil events channel
// disables streaming.
func NewDiscovery(box *sandbox.Sandbox, policy *Policy, data *Dataset, sample []sandbox.Example, opts Options, events chan<- Event) *Discovery {
	opts.setDefaults()
	return &Discovery{
		box:      box,
		policy:   policy,
		opts:     opts,
		events:   events,
		train:    data.Train,
		eval:     data.Eval,
		sample:   sample,
		evalRows: make(map[string][]ResultRow),
	}
}

// Run executes the full iteration budget and reports the best hypothesis.
func (d *Discovery) Run(ctx context.Context) (*Outcome, error) {
	root := &engine.Node{Type: engine.NodeRoot}
	d.tree = engine.NewTree(root)

	slog.Info("Starting rubric discovery",
		"train_examples", len(d.train),
		"eval_examples", len(d.eval),
		"max_iterations", d.opts.MaxIterations,
		"max_depth", d.opts.MaxDepth)

	for i := 0; i < d.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		leaf := d.selectLeaf()
		children, err := d.expand(ctx, leaf)
		if err != nil {
			return nil, err
		}

		for _, child := range children {
			value := child.Rewards["composite"]
			d.tree.Backpropagate(child.ID, value)
			if d.best == nil || value > d.best.Rewards["composite"] {
				d.best = child
			}
			if err := d.emit(ctx, child, i); err != nil {
				return nil, err
			}
		}

		slog.Debug("Discovery iteration complete",
			"iteration", i+1, "children", len(children), "nodes", d.tree.Len())
	}

	if d.best != nil {
		d.best.Type = engine.NodeFinal
	}

	outcome := &Outcome{Tree: d.Snapshot()}
	if d.best != nil {
		outcome.BestCode = d.best.Code
		outcome.BestComposite = d.best.Rewards["composite"]
		outcome.Report = d.report()
	}

	slog.Info("Rubric discovery complete",
		"nodes", d.tree.Len(),
		"best_composite", outcome.BestComposite,
		"evaluated", outcome.Report != nil)

	return outcome, nil
}

// selectLeaf descends by UCB1 while the depth budget allows, stopping early
// at any unvisited child so fresh hypotheses get refined once before the
// bandit reorders them.
func (d *Discovery) selectLeaf() *engine.Node {
	node := d.tree.Root()
	for len(node.Children) > 0 && node.Depth < d.opts.MaxDepth {
		parentVisits := node.Visits
		if parentVisits < 1 {
			parentVisits = 1
		}
		var best *engine.Node
		bestScore := math.Inf(-1)
		for _, cid := range node.Children {
			child := d.tree.Nodes[cid]
			if score := child.UCBScore(parentVisits, d.opts.Exploration); score > bestScore {
				best, bestScore = child, score
			}
		}
		if best.Visits == 0 {
			return best
		}
		node = best
	}
	return node
}

// expand generates child hypotheses for a leaf: fresh ones at the root,
// refinements everywhere else.
func (d *Discovery) expand(ctx context.Context, leaf *engine.Node) ([]*engine.Node, error) {
	var (
		codes    []string
		err      error
		nodeType = engine.NodeRefinement
	)
	if leaf.Type == engine.NodeRoot && len(leaf.Children) == 0 {
		nodeType = engine.NodeHypothesis
		codes, err = d.policy.ExpandRoot(ctx, d.sample)
	} else {
		rows, runErr := d.runOnSample(ctx, leaf.Code)
		if runErr != nil {
			return nil, runErr
		}
		codes, err = d.policy.ExpandRefinement(ctx, leaf.Code, rows, signalsFromMap(leaf.Rewards), d.sample)
	}
	if err != nil {
		return nil, fmt.Errorf("policy expansion failed: %w", err)
	}

	children := make([]*engine.Node, 0, len(codes))
	for _, code := range codes {
		child, cErr := d.createAndEvaluate(ctx, leaf, nodeType, code)
		if cErr != nil {
			return nil, cErr
		}
		children = append(children, child)
	}
	return children, nil
}

// runOnSample re-executes a rubric from a clean namespace and scores it
// against the sample set, giving the refinement prompt rows index-aligned
// with the examples the model can inspect.
func (d *Discovery) runOnSample(ctx context.Context, code string) ([]ResultRow, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	d.box.Reset()
	res := d.box.Execute(ctx, code)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !res.Success || !d.box.HasFunction(rubricFunction) {
		return nil, nil
	}
	return d.score(ctx, d.sample)
}

// createAndEvaluate registers a child, executes its rubric from a clean
// namespace, scores it on the train and held-out splits, and computes its
// reward signals.
func (d *Discovery) createAndEvaluate(ctx context.Context, parent *engine.Node, nodeType engine.NodeType, code string) (*engine.Node, error) {
	child := &engine.Node{Type: nodeType, Code: code}
	d.tree.Add(parent, child)

	d.box.Reset()
	res := d.box.Execute(ctx, code)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	child.Stdout = res.Stdout
	child.Stderr = res.Stderr
	child.Variables = res.Variables
	child.ElapsedMS = res.ElapsedMS
	child.ExecutionOK = res.Success

	var trainRows, evalRows []ResultRow
	switch {
	case res.Success && d.box.HasFunction(rubricFunction):
		var err error
		if trainRows, err = d.score(ctx, d.train); err != nil {
			return nil, err
		}
		if evalRows, err = d.score(ctx, d.eval); err != nil {
			return nil, err
		}
	case res.Success:
		child.Stderr += missingRubricWarning
	}

	if len(trainRows) > 0 {
		child.TrainMAE = floatPtr(MAE(trainRows))
	}
	if len(evalRows) > 0 {
		child.EvalMAE = floatPtr(MAE(evalRows))
		d.evalRows[child.ID] = evalRows
	}

	signals := Compute(code, trainRows, evalRows, res.Success, parentMAE(parent))
	child.Rewards = signals.Map()
	child.Content = rubricContent(child)

	return child, nil
}

// score runs the defined rubric over a set of examples. A batch timeout
// yields no rows; only caller cancellation comes back as an error.
func (d *Discovery) score(ctx context.Context, examples []sandbox.Example) ([]ResultRow, error) {
	if len(examples) == 0 {
		return nil, nil
	}
	responses := make([]string, len(examples))
	for i, ex := range examples {
		responses[i] = ex.Response
	}
	preds, err := d.box.RunRubric(ctx, rubricFunction, responses)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	rows := make([]ResultRow, len(preds))
	for i, p := range preds {
		rows[i] = ResultRow{Predicted: round4(p), Actual: examples[i].Score}
	}
	return rows, nil
}

// parentMAE is the improvement baseline for the iteration signal: absent at
// the root, otherwise the parent's observed train error, or the 1.0 ceiling
// when the parent never produced rows.
func parentMAE(parent *engine.Node) *float64 {
	if parent.Type == engine.NodeRoot {
		return nil
	}
	if parent.TrainMAE != nil {
		return parent.TrainMAE
	}
	return floatPtr(1.0)
}

// rubricContent derives the display line for a rubric node.
func rubricContent(n *engine.Node) string {
	switch {
	case n.TrainMAE != nil && n.EvalMAE != nil:
		return fmt.Sprintf("train MAE %.4f, eval MAE %.4f", *n.TrainMAE, *n.EvalMAE)
	case n.TrainMAE != nil:
		return fmt.Sprintf("train MAE %.4f", *n.TrainMAE)
	case !n.ExecutionOK:
		return "Rubric error → " + strings.TrimSpace(clip(n.Stderr, 200))
	default:
		return "No rubric function defined"
	}
}

func (d *Discovery) emit(ctx context.Context, n *engine.Node, iteration int) error {
	if d.events == nil {
		return nil
	}
	ev := Event{
		Node:      n.Snapshot(),
		Tree:      d.Snapshot(),
		Iteration: iteration + 1,
		Total:     d.opts.MaxIterations,
	}
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot serializes the whole tree with its current best pointer.
func (d *Discovery) Snapshot() *Snapshot {
	snap := &Snapshot{RootID: d.tree.RootID, Nodes: d.tree.Snapshot()}
	if d.best != nil {
		snap.BestNodeID = d.best.ID
	}
	return snap
}

// report evaluates the best hypothesis on the held-out split.
func (d *Discovery) report() *Report {
	rows := d.evalRows[d.best.ID]
	if len(rows) == 0 {
		return nil
	}
	correct := 0
	for _, r := range rows {
		if math.Abs(r.Predicted-r.Actual) < d.opts.Tolerance {
			correct++
		}
	}
	return &Report{
		BestRubricCode: d.best.Code,
		EvalMAE:        round4(MAE(rows)),
		EvalAccuracy:   round4(float64(correct) / float64(len(rows))),
		EvalCount:      len(rows),
		EvalResults:    rows,
		BestComposite:  d.best.Rewards["composite"],
	}
}

func floatPtr(f float64) *float64 { return &f }
