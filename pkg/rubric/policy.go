package rubric

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

const (
	maxRootHypotheses       = 3
	maxRefinementHypotheses = 2

	rootTemperature       = 0.8
	refinementTemperature = 0.7
	rootMaxTokens         = 4000
	refinementMaxTokens   = 3000

	examplePreviewChars = 500
	errorPreviewChars   = 400
	worstErrorCount     = 5

	// Score bounds used to pick contrasting examples for the root prompt.
	lowScoreMax  = 0.35
	highScoreMin = 0.7
)

const hypothesisSeparator = "---HYPOTHESIS---"

var codeBlockRE = regexp.MustCompile("(?s)```(?:python)?\\s*\\n(.*?)```")

// Policy generates rubric hypotheses: fresh ones from a labeled contrast at
// the root, refinements from a parent's error profile below it. Stateless
// and safe for concurrent use.
type Policy struct {
	client llm.Client
	model  string
}

func NewPolicy(client llm.Client, model string) *Policy {
	return &Policy{client: client, model: model}
}

// ExpandRoot asks for three initial rubric hypotheses built from a
// low/mid/high contrast over the sample set.
func (p *Policy) ExpandRoot(ctx context.Context, sample []sandbox.Example) ([]string, error) {
	selected, nLow, nHigh := contrastExamples(sample)

	var b strings.Builder
	for i, ex := range selected {
		fmt.Fprintf(&b, "\nExample %d (score=%.4f):\n  Response: %s\n",
			i+1, ex.Score, preview(ex.Response, examplePreviewChars))
	}

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(discoverySystemPrompt),
			llm.User(fmt.Sprintf(hypothesisRootTemplate, nLow, nHigh, b.String())),
		},
		Temperature: rootTemperature,
		MaxTokens:   rootMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("root expansion: %w", err)
	}
	return parseHypotheses(resp.Content, maxRootHypotheses), nil
}

// ExpandRefinement asks for one or two improved rubrics, showing the parent
// its own worst predictions and weakest reward signal. results are
// index-aligned with sample.
func (p *Policy) ExpandRefinement(ctx context.Context, parentCode string, results []ResultRow, signals Signals, sample []sandbox.Example) ([]string, error) {
	var rewards strings.Builder
	for _, name := range signalNames {
		fmt.Fprintf(&rewards, "  %s: %.3f\n", name, signals.byName(name))
	}
	weakestName, weakestValue := signals.Weakest()

	prompt := fmt.Sprintf(refinementTemplate,
		parentCode, rewards.String(), signals.Composite,
		weakestName, weakestValue,
		errorAnalysis(results, sample), weakestName)

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(discoverySystemPrompt),
			llm.User(prompt),
		},
		Temperature: refinementTemperature,
		MaxTokens:   refinementMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("refinement expansion: %w", err)
	}
	return parseHypotheses(resp.Content, maxRefinementHypotheses), nil
}

// contrastExamples picks up to three low, two mid and three high scorers, in
// ascending score order, so the prompt shows a clear quality gradient.
func contrastExamples(sample []sandbox.Example) (selected []sandbox.Example, nLow, nHigh int) {
	sorted := append([]sandbox.Example(nil), sample...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	var low, mid, high []sandbox.Example
	for _, ex := range sorted {
		switch {
		case ex.Score < lowScoreMax:
			if len(low) < 3 {
				low = append(low, ex)
			}
		case ex.Score > highScoreMin:
			if len(high) < 3 {
				high = append(high, ex)
			}
		default:
			if len(mid) < 2 {
				mid = append(mid, ex)
			}
		}
	}

	selected = make([]sandbox.Example, 0, len(low)+len(mid)+len(high))
	selected = append(selected, low...)
	selected = append(selected, mid...)
	selected = append(selected, high...)
	return selected, len(low), len(high)
}

// errorAnalysis lists the worst mispredictions with the responses that
// caused them.
func errorAnalysis(results []ResultRow, sample []sandbox.Example) string {
	type miss struct {
		row     ResultRow
		diff    float64
		preview string
	}
	misses := make([]miss, 0, len(results))
	for i, r := range results {
		m := miss{row: r, diff: math.Abs(r.Predicted - r.Actual)}
		if i < len(sample) {
			m.preview = preview(sample[i].Response, errorPreviewChars)
		}
		misses = append(misses, m)
	}
	sort.SliceStable(misses, func(i, j int) bool { return misses[i].diff > misses[j].diff })
	if len(misses) > worstErrorCount {
		misses = misses[:worstErrorCount]
	}

	var b strings.Builder
	b.WriteString("\nWORST PREDICTIONS (biggest errors):\n")
	for i, m := range misses {
		fmt.Fprintf(&b, "\n  Error %d: predicted=%.3f, actual=%.3f, diff=%.3f\n",
			i+1, m.row.Predicted, m.row.Actual, m.diff)
		if m.preview != "" {
			fmt.Fprintf(&b, "    Response: %s\n", m.preview)
		}
	}
	return b.String()
}

// parseHypotheses splits a reply on the hypothesis separator and pulls the
// code out of each part, falling back to a baseline rubric when nothing
// parseable came back.
func parseHypotheses(raw string, limit int) []string {
	var hypotheses []string
	for _, part := range strings.Split(raw, hypothesisSeparator) {
		matches := codeBlockRE.FindAllStringSubmatch(part, -1)
		if len(matches) > 0 {
			fragments := make([]string, 0, len(matches))
			for _, m := range matches {
				fragments = append(fragments, m[1])
			}
			if code := strings.TrimSpace(strings.Join(fragments, "\n")); code != "" {
				hypotheses = append(hypotheses, code)
			}
			continue
		}
		if code := scanFunctionLines(part); code != "" {
			hypotheses = append(hypotheses, code)
		}
	}

	if len(hypotheses) == 0 {
		for _, m := range codeBlockRE.FindAllStringSubmatch(raw, -1) {
			if code := strings.TrimSpace(m[1]); strings.Contains(code, "rubric_fn") {
				hypotheses = append(hypotheses, code)
			}
		}
	}
	if len(hypotheses) == 0 {
		hypotheses = []string{fallbackRubric}
	}
	if len(hypotheses) > limit {
		hypotheses = hypotheses[:limit]
	}
	return hypotheses
}

// scanFunctionLines recovers an unfenced rubric by keeping everything from
// the function definition (or its heading comment) onward.
func scanFunctionLines(part string) string {
	if !strings.Contains(part, "def rubric_fn") {
		return ""
	}
	var kept []string
	inCode := false
	for _, line := range strings.Split(part, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "def rubric_fn") || strings.HasPrefix(trimmed, "# Hypothesis") {
			inCode = true
		}
		if inCode {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// preview renders a response excerpt on a single prompt line.
func preview(s string, n int) string {
	return strings.ReplaceAll(clip(s, n), "\n", "\\n")
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
