// Package qa implements transcript question answering on top of the search
// engine: the code-writing policy, the LLM judge, final-answer synthesis and
// the single-pass baseline pipeline used in comparison mode. All prompt text
// lives in templates.go.
package qa

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/llm"
)

const (
	// maxHistoryMessages bounds how much branch conversation reaches the
	// prompt.
	maxHistoryMessages = 10

	maxRootSeeds   = 3
	maxBranchSeeds = 2

	expansionMaxTokens = 2000
	rootTemperature    = 0.8
	branchTemperature  = 0.5
)

// Policy proposes executable children by prompting the model with the branch
// conversation so far. The root expansion asks for several diverse
// strategies; deeper expansions continue the REPL dialogue. Stateless and
// safe for concurrent use.
type Policy struct {
	client       llm.Client
	model        string
	contextChars int
}

// NewPolicy builds a Policy. contextChars is the length of the injected
// transcript context, quoted to the model in every prompt.
func NewPolicy(client llm.Client, model string, contextChars int) *Policy {
	return &Policy{client: client, model: model, contextChars: contextChars}
}

// Expand implements engine.Policy. Answer nodes and other terminals get no
// children.
func (p *Policy) Expand(ctx context.Context, node *engine.Node, history []llm.Message, question string) ([]engine.Seed, error) {
	switch node.Type {
	case engine.NodeRoot:
		return p.expandRoot(ctx, question)
	case engine.NodeStrategy, engine.NodeCode, engine.NodeResult:
		return p.expandBranch(ctx, node, history, question)
	default:
		return nil, nil
	}
}

func (p *Policy) expandRoot(ctx context.Context, question string) ([]engine.Seed, error) {
	resp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(systemPrompt),
			llm.User(fmt.Sprintf(rootStrategiesTemplate, question, formatThousands(p.contextChars))),
		},
		Temperature: rootTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("root expansion: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	blocks := extractCodeBlocks(text)
	if len(blocks) > maxRootSeeds {
		blocks = blocks[:maxRootSeeds]
	}
	seeds := make([]engine.Seed, 0, len(blocks))
	for i, code := range blocks {
		seeds = append(seeds, engine.Seed{
			Type:    engine.NodeCode,
			Content: fmt.Sprintf("Strategy %d", i+1),
			Code:    code,
		})
	}
	if len(seeds) == 0 {
		// Nothing executable came back; keep the reply as a strategy to
		// implement on the next visit.
		seeds = append(seeds, engine.Seed{Type: engine.NodeStrategy, Content: clip(text, 300)})
	}
	return seeds, nil
}

func (p *Policy) expandBranch(ctx context.Context, node *engine.Node, history []llm.Message, question string) ([]engine.Seed, error) {
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	conv := make([]llm.Message, 0, len(history)+3)
	conv = append(conv,
		llm.System(systemPrompt),
		llm.User(fmt.Sprintf(branchPreambleTemplate, question, formatThousands(p.contextChars))),
	)
	conv = append(conv, history...)
	conv = append(conv, llm.User(branchTail(node)))

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model:       p.model,
		Messages:    conv,
		Temperature: branchTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("branch expansion: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	blocks := extractCodeBlocks(text)
	if len(blocks) > maxBranchSeeds {
		blocks = blocks[:maxBranchSeeds]
	}
	seeds := make([]engine.Seed, 0, len(blocks))
	for _, code := range blocks {
		seeds = append(seeds, engine.Seed{Type: engine.NodeCode, Content: "Follow-up code", Code: code})
	}
	if len(seeds) == 0 {
		seeds = append(seeds, engine.Seed{Type: engine.NodeStrategy, Content: clip(text, 300)})
	}
	return seeds, nil
}

// branchTail is the final user turn describing what to do with the current
// node.
func branchTail(node *engine.Node) string {
	switch {
	case node.Type == engine.NodeCode && node.Stdout != "":
		var b strings.Builder
		fmt.Fprintf(&b, "Previous code output:\n%s\n", clip(node.Stdout, 3000))
		if node.Stderr != "" {
			fmt.Fprintf(&b, "Errors:\n%s\n", clip(node.Stderr, 500))
		}
		b.WriteString(codeContinuation)
		return b.String()
	case node.Type == engine.NodeStrategy:
		return fmt.Sprintf(strategyImplementTemplate, node.Content)
	default:
		return continueAnalysis
	}
}

// Tagged repl fences win over python ones, bare fences come last.
var codeBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```repl\\s*\\n(.*?)```"),
	regexp.MustCompile("(?s)```python\\s*\\n(.*?)```"),
	regexp.MustCompile("(?s)```\\s*\\n(.*?)```"),
}

// extractCodeBlocks pulls fenced code out of a model reply, dropping
// trivially short fragments and duplicates.
func extractCodeBlocks(text string) []string {
	var blocks []string
	seen := make(map[string]bool)
	for _, re := range codeBlockPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			code := strings.TrimSpace(m[1])
			if len(code) <= 5 || seen[code] {
				continue
			}
			seen[code] = true
			blocks = append(blocks, code)
		}
	}
	return blocks
}

// formatThousands renders n with comma group separators ("52,340").
func formatThousands(n int) string {
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
		b.WriteByte(',')
	}
	for i := head; i < len(s); i += 3 {
		if i > head {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
