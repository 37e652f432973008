package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

type fakeExecutor struct {
	results []*sandbox.Result
	vars    map[string]string
	codes   []string
}

func (f *fakeExecutor) Execute(_ context.Context, code string) *sandbox.Result {
	f.codes = append(f.codes, code)
	if len(f.results) == 0 {
		return &sandbox.Result{Success: true}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeExecutor) Lookup(name string) (string, bool) {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	val, ok := f.vars[name]
	return val, ok
}

type fakePolicy struct {
	seeds     [][]Seed
	calls     int
	histories [][]llm.Message
	err       error
}

func (f *fakePolicy) Expand(_ context.Context, _ *Node, history []llm.Message, _ string) ([]Seed, error) {
	f.histories = append(f.histories, history)
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.seeds) == 0 {
		return nil, nil
	}
	next := f.seeds[0]
	f.seeds = f.seeds[1:]
	return next, nil
}

// repeatingPolicy returns one fresh strategy seed on every call.
type repeatingPolicy struct {
	calls int
}

func (p *repeatingPolicy) Expand(_ context.Context, _ *Node, _ []llm.Message, _ string) ([]Seed, error) {
	p.calls++
	return []Seed{{Type: NodeStrategy, Content: fmt.Sprintf("strategy %d", p.calls)}}, nil
}

type fakeEvaluator struct {
	value float64
	err   error
	seen  []string
}

func (f *fakeEvaluator) Evaluate(_ context.Context, node *Node, _ string) (float64, error) {
	f.seen = append(f.seen, node.ID)
	return f.value, f.err
}

type fakeSynthesizer struct {
	answer     string
	err        error
	calls      int
	candidates []Candidate
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ string, candidates []Candidate, _ int) (string, error) {
	f.calls++
	f.candidates = candidates
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func TestSearchSingleCodeChild(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{{Stdout: "42", Success: true}}}
	policy := &fakePolicy{seeds: [][]Seed{{
		{Type: NodeCode, Content: "count lines", Code: "print(len(context.split(chr(10))))"},
	}}}
	eval := &fakeEvaluator{value: 0.8}
	synth := &fakeSynthesizer{answer: "There are 42 lines."}

	events := make(chan Event, 16)
	e := New(exec, policy, eval, synth, Options{MaxIterations: 1}, events)

	outcome, err := e.Search(context.Background(), "how many lines?")
	require.NoError(t, err)

	assert.Equal(t, "There are 42 lines.", outcome.Answer)
	assert.Equal(t, 0.8, outcome.Confidence)

	root := e.Tree().Root()
	assert.Equal(t, 1, root.Visits)
	assert.InDelta(t, 0.8, root.TotalValue, 1e-9)
	require.Len(t, root.Children, 1)

	child := e.Tree().Nodes[root.Children[0]]
	assert.Equal(t, NodeCode, child.Type)
	assert.Equal(t, "Code executed → 42", child.Content)
	assert.Equal(t, 1, child.Visits)
	assert.InDelta(t, 0.8, child.TotalValue, 1e-9)
	assert.Equal(t, []string{"print(len(context.split(chr(10))))"}, exec.codes)
}

func TestSearchEmitsEventsAfterBackprop(t *testing.T) {
	policy := &repeatingPolicy{}
	events := make(chan Event, 16)
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "done"}, Options{MaxIterations: 2}, events)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)
	close(events)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)

	rootID := e.Tree().RootID
	assert.Equal(t, EventNodeUpdate, got[0].Type)
	assert.Equal(t, 0, got[0].Tree[rootID].Visits)
	assert.Equal(t, 1, got[1].Tree[rootID].Visits)
	assert.Equal(t, 2, got[2].Tree[rootID].Visits)
	assert.Equal(t, EventAnswerReady, got[3].Type)
	assert.Equal(t, "done", got[3].Answer)
}

func TestSearchRunsFullBudget(t *testing.T) {
	policy := &repeatingPolicy{}
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 5}, nil)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, 5, e.Tree().Root().Visits)
	assert.Equal(t, 6, e.Tree().Len())
}

func TestSelectPrefersUnvisitedChild(t *testing.T) {
	e := New(nil, nil, nil, nil, Options{}, nil)
	root := &Node{ID: "root", Visits: 3, TotalValue: 2}
	e.tree = NewTree(root)

	visited := &Node{Type: NodeStrategy, Content: "seen", Visits: 1, TotalValue: 1}
	fresh := &Node{Type: NodeStrategy, Content: "unseen"}
	e.tree.Add(root, visited)
	e.tree.Add(root, fresh)

	assert.Equal(t, fresh.ID, e.selectLeaf().ID)
}

func TestSelectDescendsByAverageValue(t *testing.T) {
	e := New(nil, nil, nil, nil, Options{}, nil)
	root := &Node{ID: "root", Visits: 10}
	e.tree = NewTree(root)

	low := &Node{Type: NodeStrategy, Visits: 5, TotalValue: 1.0}
	high := &Node{Type: NodeStrategy, Visits: 5, TotalValue: 4.5}
	e.tree.Add(root, low)
	e.tree.Add(root, high)

	assert.Equal(t, high.ID, e.selectLeaf().ID)
}

func TestFinalVarCreatesAnswerChild(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		stdout string
	}{
		{
			name: "marker in code",
			code: "result = \"hello\"\nFINAL_VAR('result')",
		},
		{
			name:   "marker in stdout",
			code:   "print(marker)",
			stdout: "FINAL_VAR(result)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{
				results: []*sandbox.Result{{Stdout: tt.stdout, Success: true}},
				vars:    map[string]string{"result": "hello"},
			}
			policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeCode, Code: tt.code}}}}
			e := New(exec, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 1}, nil)

			_, err := e.Search(context.Background(), "q")
			require.NoError(t, err)

			var answers []*Node
			e.Tree().Walk(func(n *Node) {
				if n.Type == NodeAnswer {
					answers = append(answers, n)
				}
			})
			require.Len(t, answers, 1)
			assert.Equal(t, "hello", answers[0].Content)

			parent := e.Tree().Nodes[answers[0].ParentID]
			assert.Equal(t, NodeCode, parent.Type)
			assert.Equal(t, 1, countOf(parent.Children, answers[0].ID))
		})
	}
}

func TestFinalVarUnknownVariableAddsNothing(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{{Success: true}}}
	policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeCode, Code: "FINAL_VAR(ghost)"}}}}
	e := New(exec, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 1}, nil)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	e.Tree().Walk(func(n *Node) {
		assert.NotEqual(t, NodeAnswer, n.Type)
	})
}

func TestBranchHistoryCarriesExecutionTurns(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{
		{Stdout: "first output", Success: true},
		{Stdout: "second output", Success: true},
	}}
	policy := &fakePolicy{seeds: [][]Seed{
		{{Type: NodeCode, Code: "step_one()"}},
		{{Type: NodeCode, Code: "step_two()"}},
	}}
	e := New(exec, policy, &fakeEvaluator{value: 0.9}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 2}, nil)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	require.Len(t, policy.histories, 2)
	assert.Empty(t, policy.histories[0])

	// The second expansion happens under the first code child and sees its
	// code and output as conversation turns.
	second := policy.histories[1]
	require.Len(t, second, 2)
	assert.Equal(t, llm.RoleAssistant, second[0].Role)
	assert.Contains(t, second[0].Content, "```repl\nstep_one()\n```")
	assert.Equal(t, llm.RoleUser, second[1].Role)
	assert.Contains(t, second[1].Content, "REPL output:\nfirst output")
}

func TestCodeErrorContent(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{
		{Stderr: "Execution timed out after 1s", Success: false},
	}}
	policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeCode, Code: "while True: pass"}}}}
	eval := &fakeEvaluator{value: 0.0}
	e := New(exec, policy, eval, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 1}, nil)

	outcome, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	root := e.Tree().Root()
	child := e.Tree().Nodes[root.Children[0]]
	assert.Equal(t, "Code error → Execution timed out after 1s", child.Content)
	assert.Equal(t, 1, child.Visits)
	assert.Equal(t, 0.0, child.TotalValue)

	// No stdout anywhere, so synthesis has nothing to work with.
	assert.Equal(t, noAnswerText, outcome.Answer)
	assert.Equal(t, 0.0, outcome.Confidence)
}

func TestCodeNoOutputContentListsVariables(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{
		{Success: true, Variables: map[string]string{"total": "7", "lines": "3"}},
	}}
	policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeCode, Code: "total = 7"}}}}
	e := New(exec, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 1}, nil)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	child := e.Tree().Nodes[e.Tree().Root().Children[0]]
	assert.Equal(t, "Code executed (no output), vars: [lines total]", child.Content)
}

func TestSynthesisFallsBackToBestCandidate(t *testing.T) {
	exec := &fakeExecutor{results: []*sandbox.Result{{Stdout: "partial result", Success: true}}}
	policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeCode, Code: "print('partial result')"}}}}
	synth := &fakeSynthesizer{err: errors.New("model unavailable")}
	e := New(exec, policy, &fakeEvaluator{value: 0.7}, synth, Options{MaxIterations: 1}, nil)

	outcome, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, "partial result", outcome.Answer)
	assert.Equal(t, 0.7, outcome.Confidence)
	assert.Equal(t, 1, synth.calls)
}

func TestNoCandidatesSkipsSynthesis(t *testing.T) {
	policy := &fakePolicy{seeds: [][]Seed{{{Type: NodeStrategy, Content: "think"}}}}
	synth := &fakeSynthesizer{answer: "should not be used"}
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{value: 0.4}, synth, Options{MaxIterations: 1}, nil)

	outcome, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, noAnswerText, outcome.Answer)
	assert.Equal(t, 0.0, outcome.Confidence)
	assert.Equal(t, 0, synth.calls)
}

func TestDepthCapStopsExpansion(t *testing.T) {
	policy := &repeatingPolicy{}
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{answer: "x"}, Options{MaxIterations: 3, MaxDepth: 1}, nil)

	_, err := e.Search(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, 1, policy.calls)
	assert.Equal(t, 3, e.Tree().Root().Visits)
	assert.Equal(t, 2, e.Tree().Len())
}

func TestPolicyErrorEndsSearch(t *testing.T) {
	policy := &fakePolicy{err: errors.New("boom")}
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{}, Options{MaxIterations: 2}, nil)

	_, err := e.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy expansion failed")
}

func TestEvaluatorErrorEndsSearch(t *testing.T) {
	policy := &repeatingPolicy{}
	e := New(&fakeExecutor{}, policy, &fakeEvaluator{err: errors.New("judge down")}, &fakeSynthesizer{}, Options{MaxIterations: 2}, nil)

	_, err := e.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluation failed")
}

func TestSearchStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(&fakeExecutor{}, &repeatingPolicy{}, &fakeEvaluator{value: 0.5}, &fakeSynthesizer{}, Options{}, nil)
	_, err := e.Search(ctx, "q")
	require.ErrorIs(t, err, context.Canceled)
}

func countOf(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}
