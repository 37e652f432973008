package qa

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

const (
	plainStepCodeCap   = 500
	plainStepStdoutCap = 1000
	plainStepStderrCap = 500

	// noCodeConfidence is reported when the model returns prose instead of
	// a code block and the reply itself becomes the answer.
	noCodeConfidence = 0.3

	repairTemperature = 0.3
)

// PlainStep is one executed fragment in the single-pass pipeline.
type PlainStep struct {
	StepNumber int
	Code       string
	Stdout     string
	Stderr     string
	ElapsedMS  float64
	Success    bool
}

// PlainStepSnapshot is the wire form of a step with oversized fields cut.
type PlainStepSnapshot struct {
	StepNumber int     `json:"step_number"`
	Code       string  `json:"code"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	ElapsedMS  float64 `json:"execution_ms"`
	Success    bool    `json:"success"`
}

// Snapshot applies the wire caps.
func (s *PlainStep) Snapshot() *PlainStepSnapshot {
	return &PlainStepSnapshot{
		StepNumber: s.StepNumber,
		Code:       clip(s.Code, plainStepCodeCap),
		Stdout:     clip(s.Stdout, plainStepStdoutCap),
		Stderr:     clip(s.Stderr, plainStepStderrCap),
		ElapsedMS:  s.ElapsedMS,
		Success:    s.Success,
	}
}

// PlainMetrics summarizes one single-pass run.
type PlainMetrics struct {
	TotalTimeMS          int64   `json:"total_time_ms"`
	LLMCalls             int     `json:"llm_calls"`
	CodeExecutions       int     `json:"code_executions"`
	SuccessfulCodeBlocks int     `json:"successful_code_blocks"`
	AnswerLength         int     `json:"answer_length"`
	Confidence           float64 `json:"confidence"`
}

// PlainResult is the outcome of one single-pass run. Steps hold untruncated
// execution records; Snapshot produces the capped wire form.
type PlainResult struct {
	Answer     string
	Confidence float64
	Metrics    PlainMetrics
	Steps      []*PlainStep
}

// PlainResultSnapshot is the wire form of a result.
type PlainResultSnapshot struct {
	Answer     string               `json:"answer"`
	Confidence float64              `json:"confidence"`
	Metrics    PlainMetrics         `json:"metrics"`
	Steps      []*PlainStepSnapshot `json:"steps"`
}

// Snapshot rounds the confidence and caps every step.
func (r *PlainResult) Snapshot() *PlainResultSnapshot {
	steps := make([]*PlainStepSnapshot, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = s.Snapshot()
	}
	return &PlainResultSnapshot{
		Answer:     r.Answer,
		Confidence: round4(r.Confidence),
		Metrics:    r.Metrics,
		Steps:      steps,
	}
}

// OnPlainStep observes each executed step as it completes.
type OnPlainStep func(step *PlainStep)

// PlainConfig wires a PlainPipeline.
type PlainConfig struct {
	Client       llm.Client
	Model        string
	JudgeModel   string
	Executor     engine.Executor
	ContextChars int
	OnStep       OnPlainStep
}

// PlainPipeline is the single-pass baseline run opposite the tree search in
// comparison mode: one generation, one execution, at most one repair
// attempt, then synthesis and a judge call for the confidence.
type PlainPipeline struct {
	client       llm.Client
	model        string
	judge        *Judge
	exec         engine.Executor
	contextChars int
	onStep       OnPlainStep
}

// NewPlainPipeline builds the baseline pipeline.
func NewPlainPipeline(cfg PlainConfig) *PlainPipeline {
	return &PlainPipeline{
		client:       cfg.Client,
		model:        cfg.Model,
		judge:        NewJudge(cfg.Client, cfg.JudgeModel),
		exec:         cfg.Executor,
		contextChars: cfg.ContextChars,
		onStep:       cfg.OnStep,
	}
}

// Run executes the pipeline. At most four model calls are made: generation,
// an optional repair, synthesis and the confidence judge.
func (p *PlainPipeline) Run(ctx context.Context, question string) (*PlainResult, error) {
	start := time.Now()
	llmCalls := 0
	var steps []*PlainStep

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(systemPrompt),
			llm.User(fmt.Sprintf(plainGenerateTemplate, question, formatThousands(p.contextChars))),
		},
		Temperature: branchTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}
	llmCalls++

	text := strings.TrimSpace(resp.Content)
	blocks := extractCodeBlocks(text)
	if len(blocks) == 0 {
		// No code came back; the reply itself is the best available answer.
		return &PlainResult{
			Answer:     text,
			Confidence: noCodeConfidence,
			Metrics: PlainMetrics{
				TotalTimeMS:  elapsedMS(start),
				LLMCalls:     llmCalls,
				AnswerLength: utf8.RuneCountInString(text),
				Confidence:   noCodeConfidence,
			},
		}, nil
	}

	code := blocks[0]
	result := p.exec.Execute(ctx, code)
	steps = append(steps, p.record(1, code, result))

	if !result.Success || strings.TrimSpace(result.Stdout) == "" {
		fixedCode, fixed, err := p.repair(ctx, question, code, result)
		if err != nil {
			return nil, err
		}
		llmCalls++
		if fixed != nil {
			steps = append(steps, p.record(2, fixedCode, fixed))
			result = fixed
			code = fixedCode
		}
	}

	bestOutput := "(no output)"
	if strings.TrimSpace(result.Stdout) != "" {
		bestOutput = clip(result.Stdout, 3000)
	}
	synthResp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(plainSynthesisSystem),
			llm.User(fmt.Sprintf(plainSynthesisTemplate, question, clip(code, 1000), bestOutput)),
		},
		Temperature: synthesisTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer synthesis: %w", err)
	}
	llmCalls++
	answer := strings.TrimSpace(synthResp.Content)

	confidence, err := p.judge.Evaluate(ctx, &engine.Node{Type: engine.NodeAnswer, Content: answer}, question)
	if err != nil {
		return nil, err
	}
	llmCalls++

	successful := 0
	for _, s := range steps {
		if s.Success {
			successful++
		}
	}
	return &PlainResult{
		Answer:     answer,
		Confidence: confidence,
		Metrics: PlainMetrics{
			TotalTimeMS:          elapsedMS(start),
			LLMCalls:             llmCalls,
			CodeExecutions:       len(steps),
			SuccessfulCodeBlocks: successful,
			AnswerLength:         utf8.RuneCountInString(answer),
			Confidence:           round4(confidence),
		},
		Steps: steps,
	}, nil
}

// repair asks for one fixed code block and executes it. A reply without code
// returns a nil result and the caller keeps the original execution.
func (p *PlainPipeline) repair(ctx context.Context, question, code string, result *sandbox.Result) (string, *sandbox.Result, error) {
	var tail strings.Builder
	fmt.Fprintf(&tail, "Previous code output:\n%s\n", clip(result.Stdout, 2000))
	if result.Stderr != "" {
		fmt.Fprintf(&tail, "Errors:\n%s\n", clip(result.Stderr, 500))
	}
	tail.WriteString("\nThe previous attempt ")
	if !result.Success {
		tail.WriteString("had errors. ")
	} else {
		tail.WriteString("produced no output. ")
	}
	tail.WriteString("Write a FIXED ```repl code block. Use FINAL_VAR(variable_name) when ready.")

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model: p.model,
		Messages: []llm.Message{
			llm.System(systemPrompt),
			llm.User(fmt.Sprintf(plainPreambleTemplate, question, formatThousands(p.contextChars))),
			llm.Assistant("```repl\n" + code + "\n```"),
			llm.User(tail.String()),
		},
		Temperature: repairTemperature,
		MaxTokens:   expansionMaxTokens,
	})
	if err != nil {
		return "", nil, fmt.Errorf("repair generation: %w", err)
	}
	blocks := extractCodeBlocks(strings.TrimSpace(resp.Content))
	if len(blocks) == 0 {
		return "", nil, nil
	}
	fixed := blocks[0]
	return fixed, p.exec.Execute(ctx, fixed), nil
}

func (p *PlainPipeline) record(n int, code string, res *sandbox.Result) *PlainStep {
	step := &PlainStep{
		StepNumber: n,
		Code:       code,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ElapsedMS:  res.ElapsedMS,
		Success:    res.Success,
	}
	if p.onStep != nil {
		p.onStep(step)
	}
	return step
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Round(time.Millisecond).Milliseconds()
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
