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

func TestSynthesizeFormatsCandidates(t *testing.T) {
	client := &fakeClient{replies: []string{"  The video explains tree search.  "}}
	synth := NewSynthesizer(client, "gpt-4o")

	candidates := []engine.Candidate{
		{Content: "Tree search is the topic.", Score: 0.9, Type: "answer"},
		{Content: "topic: tree search", Score: 0.7, Type: "code_result", Code: "print(topic)"},
	}
	answer, err := synth.Synthesize(context.Background(), "What is the topic?", candidates, 52340)
	require.NoError(t, err)
	assert.Equal(t, "The video explains tree search.", answer)

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 0.0001)
	assert.Equal(t, 3000, req.MaxTokens)

	user := req.Messages[1].Content
	assert.Contains(t, user, "Question: What is the topic?")
	assert.Contains(t, user, "Source transcript was 52,340 characters long.")
	assert.Contains(t, user, "--- Result 1 (score=0.9, type=answer) ---\nTree search is the topic.")
	assert.Contains(t, user, "--- Result 2 (score=0.7, type=code_result) ---")
	assert.Contains(t, user, "Code used: print(topic)")
	assert.Contains(t, user, "Synthesize a comprehensive answer:")
	// Only the candidate that carries code gets a Code used line.
	assert.NotContains(t, strings.SplitN(user, "--- Result 2", 2)[0], "Code used:")
}

func TestSynthesizeErrorPropagates(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("boom")}}
	synth := NewSynthesizer(client, "gpt-4o")

	_, err := synth.Synthesize(context.Background(), "q", nil, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis call")
}
