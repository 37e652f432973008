package rubric

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

// fakeClient replays canned completions in order and records every request.
type fakeClient struct {
	replies []string
	errs    []error
	reqs    []*llm.Request
	calls   atomic.Int64
}

func (f *fakeClient) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	f.reqs = append(f.reqs, req)
	i := len(f.reqs) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return &llm.Response{Content: reply}, nil
}

func (f *fakeClient) Calls() int64 { return f.calls.Load() }

func fenced(code string) string {
	return "```python\n" + code + "\n```"
}

const threeHypotheses = "```python\n# Hypothesis 1: length\ndef rubric_fn(response):\n    return min(len(response) / 200.0, 1.0)\n\ntest_rubric(rubric_fn)\n```\n" +
	"---HYPOTHESIS---\n" +
	"```python\n# Hypothesis 2: keywords\ndef rubric_fn(response):\n    return 1.0 if \"plan\" in response.lower() else 0.0\n\ntest_rubric(rubric_fn)\n```\n" +
	"---HYPOTHESIS---\n" +
	"```python\n# Hypothesis 3: combined\ndef rubric_fn(response):\n    return 0.5\n\ntest_rubric(rubric_fn)\n```"

func contrastSample() []sandbox.Example {
	return []sandbox.Example{
		{Response: "short answer", Score: 0.1},
		{Response: "line1\nline2", Score: 0.2},
		{Response: "meh", Score: 0.5},
		{Response: "good detailed plan", Score: 0.8},
		{Response: "Assumptions:\n- ok\n\nPlan:\n1. a\n2. b", Score: 0.9},
	}
}

func TestExpandRootPromptShape(t *testing.T) {
	client := &fakeClient{replies: []string{threeHypotheses}}
	policy := NewPolicy(client, "gpt-4o")

	got, err := policy.ExpandRoot(context.Background(), contrastSample())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(got[0], "# Hypothesis 1: length"))
	assert.Contains(t, got[0], "test_rubric(rubric_fn)")

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.InDelta(t, 0.8, req.Temperature, 0.0001)
	assert.Equal(t, 4000, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "reverse-engineering scoring rubrics")
	assert.Contains(t, req.Messages[0].Content, "no f-strings, no try/except")

	user := req.Messages[1].Content
	assert.Contains(t, user, "LOW-SCORING EXAMPLES (first 2) vs HIGH-SCORING EXAMPLES (last 2):")
	assert.Contains(t, user, "Example 1 (score=0.1000):\n  Response: short answer")
	assert.Contains(t, user, "Example 2 (score=0.2000):\n  Response: line1\\nline2")
	assert.Contains(t, user, "Example 5 (score=0.9000):")
	assert.Contains(t, user, "Generate exactly 3 SEPARATE code blocks")
	assert.Contains(t, user, "Separate each hypothesis with \"---HYPOTHESIS---\"")
}

func TestExpandRootClipsLongResponses(t *testing.T) {
	long := strings.Repeat("a", 600)
	client := &fakeClient{replies: []string{threeHypotheses}}
	policy := NewPolicy(client, "gpt-4o")

	_, err := policy.ExpandRoot(context.Background(), []sandbox.Example{{Response: long, Score: 0.9}})
	require.NoError(t, err)

	user := client.reqs[0].Messages[1].Content
	assert.Contains(t, user, strings.Repeat("a", 500))
	assert.NotContains(t, user, strings.Repeat("a", 501))
}

func TestExpandRootCapsHypotheses(t *testing.T) {
	reply := strings.Join([]string{
		fenced("a = 1"), fenced("b = 2"), fenced("c = 3"), fenced("d = 4"),
	}, "\n---HYPOTHESIS---\n")
	client := &fakeClient{replies: []string{reply}}
	policy := NewPolicy(client, "gpt-4o")

	got, err := policy.ExpandRoot(context.Background(), contrastSample())
	require.NoError(t, err)
	assert.Equal(t, []string{"a = 1", "b = 2", "c = 3"}, got)
}

func TestExpandRootFallsBack(t *testing.T) {
	client := &fakeClient{replies: []string{"I cannot help with that."}}
	policy := NewPolicy(client, "gpt-4o")

	got, err := policy.ExpandRoot(context.Background(), contrastSample())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fallbackRubric, got[0])
	assert.Contains(t, got[0], "def rubric_fn(response):")
	assert.Contains(t, got[0], "test_rubric(rubric_fn)")
}

func TestExpandRootPropagatesError(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("rate limited")}}
	policy := NewPolicy(client, "gpt-4o")

	_, err := policy.ExpandRoot(context.Background(), contrastSample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root expansion")
}

func TestExpandRefinementPromptShape(t *testing.T) {
	parentCode := "def rubric_fn(response):\n    return 0.5"
	signals := Signals{
		Generalization: 0.9,
		Calibration:    0.2,
		Discrimination: 0.8,
		Validity:       0.6,
		Iteration:      0.3,
		Composite:      0.7,
	}
	results := []ResultRow{
		{Predicted: 0.9, Actual: 0.1},
		{Predicted: 0.2, Actual: 0.25},
		{Predicted: 0.0, Actual: 0.6},
		{Predicted: 0.5, Actual: 0.5},
		{Predicted: 1.0, Actual: 0.3},
		{Predicted: 0.4, Actual: 0.1},
	}
	sample := make([]sandbox.Example, len(results))
	for i := range sample {
		sample[i] = sandbox.Example{Response: "resp-" + string(rune('0'+i))}
	}

	reply := fenced("x = 1") + "\n---HYPOTHESIS---\n" + fenced("y = 2")
	client := &fakeClient{replies: []string{reply}}
	policy := NewPolicy(client, "gpt-4o")

	got, err := policy.ExpandRefinement(context.Background(), parentCode, results, signals, sample)
	require.NoError(t, err)
	assert.Equal(t, []string{"x = 1", "y = 2"}, got)

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.InDelta(t, 0.7, req.Temperature, 0.0001)
	assert.Equal(t, 3000, req.MaxTokens)

	user := req.Messages[1].Content
	assert.Contains(t, user, "CURRENT RUBRIC:\n```python\n"+parentCode+"\n```")
	assert.Contains(t, user, "REWARD SIGNALS:\n"+
		"  generalization: 0.900\n"+
		"  calibration: 0.200\n"+
		"  discrimination: 0.800\n"+
		"  validity: 0.600\n"+
		"  iteration: 0.300\n"+
		"  composite: 0.700")
	assert.Contains(t, user, "WEAKEST SIGNAL: calibration = 0.200")
	assert.Contains(t, user, "WORST PREDICTIONS (biggest errors):")
	assert.Contains(t, user, "Error 1: predicted=0.900, actual=0.100, diff=0.800\n    Response: resp-0")
	assert.Contains(t, user, "Error 2: predicted=1.000, actual=0.300, diff=0.700")
	assert.NotContains(t, user, "diff=0.000")
	assert.Contains(t, user, "Improve the weakest reward signal (calibration)")
}

func TestExpandRefinementCapsHypotheses(t *testing.T) {
	reply := strings.Join([]string{fenced("a = 1"), fenced("b = 2"), fenced("c = 3")}, "\n---HYPOTHESIS---\n")
	client := &fakeClient{replies: []string{reply}}
	policy := NewPolicy(client, "gpt-4o")

	got, err := policy.ExpandRefinement(context.Background(), "code", nil, Signals{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a = 1", "b = 2"}, got)
}

func TestExpandRefinementPropagatesError(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("boom")}}
	policy := NewPolicy(client, "gpt-4o")

	_, err := policy.ExpandRefinement(context.Background(), "code", nil, Signals{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refinement expansion")
}

func TestParseHypotheses(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		limit int
		want  []string
	}{
		{
			name:  "separated blocks",
			raw:   fenced("a = 1") + "\n---HYPOTHESIS---\n" + fenced("b = 2"),
			limit: 3,
			want:  []string{"a = 1", "b = 2"},
		},
		{
			name:  "blocks in one part are joined",
			raw:   fenced("def rubric_fn(response):\n    return 0.5") + "\nthen\n" + fenced("test_rubric(rubric_fn)"),
			limit: 3,
			want:  []string{"def rubric_fn(response):\n    return 0.5\n\ntest_rubric(rubric_fn)"},
		},
		{
			name:  "unfenced function is line-scanned",
			raw:   "Sure, here is my improved attempt:\ndef rubric_fn(response):\n    return 1.0\ntest_rubric(rubric_fn)",
			limit: 2,
			want:  []string{"def rubric_fn(response):\n    return 1.0\ntest_rubric(rubric_fn)"},
		},
		{
			name:  "bare fence without language tag",
			raw:   "```\nc = 3\n```",
			limit: 3,
			want:  []string{"c = 3"},
		},
		{
			name:  "nothing parseable falls back",
			raw:   "I do not know.",
			limit: 3,
			want:  []string{fallbackRubric},
		},
		{
			name:  "limit caps output",
			raw:   fenced("a = 1") + "\n---HYPOTHESIS---\n" + fenced("b = 2") + "\n---HYPOTHESIS---\n" + fenced("c = 3"),
			limit: 2,
			want:  []string{"a = 1", "b = 2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseHypotheses(tt.raw, tt.limit))
		})
	}
}

func TestContrastExamplesOrdering(t *testing.T) {
	sample := []sandbox.Example{
		{Response: "h3", Score: 0.95},
		{Response: "l2", Score: 0.2},
		{Response: "m1", Score: 0.5},
		{Response: "l1", Score: 0.1},
		{Response: "h1", Score: 0.75},
		{Response: "l3", Score: 0.3},
		{Response: "l4", Score: 0.05},
		{Response: "h2", Score: 0.8},
		{Response: "m2", Score: 0.6},
		{Response: "m3", Score: 0.7},
	}

	selected, nLow, nHigh := contrastExamples(sample)
	assert.Equal(t, 3, nLow)
	assert.Equal(t, 3, nHigh)

	order := make([]string, len(selected))
	for i, ex := range selected {
		order[i] = ex.Response
	}
	assert.Equal(t, []string{"l4", "l1", "l2", "m1", "m2", "h1", "h2", "h3"}, order)
}

func TestErrorAnalysisSkipsMissingPreviews(t *testing.T) {
	results := []ResultRow{
		{Predicted: 0.9, Actual: 0.1},
		{Predicted: 0.8, Actual: 0.2},
		{Predicted: 0.7, Actual: 0.3},
	}
	sample := []sandbox.Example{{Response: "first"}, {Response: "second"}}

	analysis := errorAnalysis(results, sample)
	assert.Equal(t, 2, strings.Count(analysis, "Response:"))
	assert.Contains(t, analysis, "Error 1: predicted=0.900")
}
