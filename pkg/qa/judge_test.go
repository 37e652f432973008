package qa

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/engine"
)

func TestJudgeRootIsNeutralWithoutCall(t *testing.T) {
	client := &fakeClient{}
	judge := NewJudge(client, "gpt-4o-mini")

	score, err := judge.Evaluate(context.Background(), &engine.Node{Type: engine.NodeRoot}, "q")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	assert.Zero(t, client.Calls())
}

func TestJudgeScoresNode(t *testing.T) {
	client := &fakeClient{replies: []string{"0.8"}}
	judge := NewJudge(client, "gpt-4o-mini")

	node := &engine.Node{
		Type:   engine.NodeCode,
		Code:   "print(len(context))",
		Stdout: "52340",
	}
	score, err := judge.Evaluate(context.Background(), node, "How long is it?")
	require.NoError(t, err)
	assert.Equal(t, 0.8, score)

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Zero(t, req.Temperature)
	assert.Equal(t, 10, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, "Respond with ONLY a number between 0.0 and 1.0.")
	assert.Contains(t, req.Messages[1].Content, "Question: How long is it?")
	assert.Contains(t, req.Messages[1].Content, "Code:\nprint(len(context))\n\nOutput:\n52340")
	assert.Contains(t, req.Messages[1].Content, "Score (0.0-1.0):")
}

func TestJudgeUnparseableReplyIsNeutral(t *testing.T) {
	client := &fakeClient{replies: []string{"I cannot rate this."}}
	judge := NewJudge(client, "gpt-4o-mini")

	score, err := judge.Evaluate(context.Background(), &engine.Node{Type: engine.NodeAnswer, Content: "a"}, "q")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestJudgeErrorPropagates(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("connection refused")}}
	judge := NewJudge(client, "gpt-4o-mini")

	_, err := judge.Evaluate(context.Background(), &engine.Node{Type: engine.NodeCode, Code: "x = 1"}, "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge call")
}

func TestStepDescription(t *testing.T) {
	tests := []struct {
		name string
		node *engine.Node
		want string
	}{
		{
			name: "answer",
			node: &engine.Node{Type: engine.NodeAnswer, Content: "The talk covers tree search."},
			want: "Final answer: The talk covers tree search.",
		},
		{
			name: "code with errors",
			node: &engine.Node{Type: engine.NodeCode, Code: "boom()", Stderr: "undefined: boom"},
			want: "Code:\nboom()\n\nOutput:\n\nErrors:\nundefined: boom",
		},
		{
			name: "code caps long fields",
			node: &engine.Node{Type: engine.NodeCode, Code: strings.Repeat("c", 600), Stdout: "ok"},
			want: "Code:\n" + strings.Repeat("c", 500) + "\n\nOutput:\nok",
		},
		{
			name: "strategy",
			node: &engine.Node{Type: engine.NodeStrategy, Content: "scan headings"},
			want: "Strategy: scan headings",
		},
		{
			name: "result uses content",
			node: &engine.Node{Type: engine.NodeResult, Content: "Code executed → 42"},
			want: "Code executed → 42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stepDescription(tt.node))
		})
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"bare score", "0.8", 0.8},
		{"trailing words", "0.85 because the output is relevant", 0.85},
		{"leading label", "Score: 0.6", 0.6},
		{"integer clamped", "2", 1.0},
		{"zero", "0.0", 0.0},
		{"no digits", "excellent work", 0.5},
		{"empty", "", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseScore(tt.text))
		})
	}
}
