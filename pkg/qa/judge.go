package qa

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/llm"
)

const (
	judgeMaxTokens = 10

	// neutralScore is used for the root and for replies the parser cannot
	// read.
	neutralScore = 0.5
)

var scoreRE = regexp.MustCompile(`(\d+\.?\d*)`)

// Judge scores nodes with a small model at temperature zero. The root never
// costs a call.
type Judge struct {
	client llm.Client
	model  string
}

// NewJudge builds a Judge backed by the given scoring model.
func NewJudge(client llm.Client, model string) *Judge {
	return &Judge{client: client, model: model}
}

// Evaluate implements engine.Evaluator. Scores land in [0, 1].
func (j *Judge) Evaluate(ctx context.Context, node *engine.Node, question string) (float64, error) {
	if node.Type == engine.NodeRoot {
		return neutralScore, nil
	}
	resp, err := j.client.Complete(ctx, &llm.Request{
		Model: j.model,
		Messages: []llm.Message{
			llm.System(judgeSystemPrompt),
			llm.User(fmt.Sprintf(judgeUserTemplate, question, stepDescription(node))),
		},
		Temperature: 0,
		MaxTokens:   judgeMaxTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("judge call: %w", err)
	}
	return parseScore(resp.Content), nil
}

// stepDescription renders the node for the judge prompt.
func stepDescription(node *engine.Node) string {
	switch node.Type {
	case engine.NodeAnswer:
		return "Final answer: " + node.Content
	case engine.NodeCode:
		desc := fmt.Sprintf("Code:\n%s\n\nOutput:\n%s", clip(node.Code, 500), clip(node.Stdout, 500))
		if node.Stderr != "" {
			desc += "\nErrors:\n" + clip(node.Stderr, 200)
		}
		return desc
	case engine.NodeStrategy:
		return "Strategy: " + node.Content
	default:
		return node.Content
	}
}

// parseScore reads the first number out of the reply, clamped to [0, 1].
func parseScore(text string) float64 {
	m := scoreRE.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return neutralScore
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return neutralScore
	}
	return math.Max(0, math.Min(1, score))
}
