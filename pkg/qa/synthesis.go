package qa

import (
	"context"
	"fmt"
	"strings"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/llm"
)

const (
	synthesisMaxTokens   = 3000
	synthesisTemperature = 0.3
)

// Synthesizer folds ranked tree candidates into one final answer.
type Synthesizer struct {
	client llm.Client
	model  string
}

// NewSynthesizer builds a Synthesizer backed by the main model.
func NewSynthesizer(client llm.Client, model string) *Synthesizer {
	return &Synthesizer{client: client, model: model}
}

// Synthesize implements engine.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, candidates []engine.Candidate, contextChars int) (string, error) {
	var results strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&results, "\n--- Result %d (score=%v, type=%s) ---\n", i+1, c.Score, c.Type)
		results.WriteString(c.Content + "\n")
		if c.Code != "" {
			fmt.Fprintf(&results, "Code used: %s\n", c.Code)
		}
	}

	resp, err := s.client.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			llm.System(synthesisSystemPrompt),
			llm.User(fmt.Sprintf(synthesisUserTemplate, question, formatThousands(contextChars), results.String())),
		},
		Temperature: synthesisTemperature,
		MaxTokens:   synthesisMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
