// Package sandbox executes model-written code fragments in a persistent
// Starlark interpreter. Fragments share one namespace so variables defined by
// an earlier execution stay visible to later ones; every execution runs under
// a wall-clock timeout, a restricted import surface, and bounded output
// capture. A budgeted llm_query builtin lets sandboxed code consult a
// sub-model, and FINAL_VAR marks the variable holding the final answer.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/treeline-ai/treeline/pkg/config"
)

// QueryFunc resolves llm_query calls issued by sandboxed code.
type QueryFunc func(ctx context.Context, prompt string) (string, error)

const (
	llmQueryLimitNotice = "[llm_query limit reached - use string operations instead]"
	llmQueryUnavailable = "[llm_query unavailable]"
	promptTruncMarker   = "\n...[truncated]"

	// detachGrace is how long a cancelled worker gets to unwind before the
	// caller stops waiting for it.
	detachGrace = 250 * time.Millisecond

	execStateKey = "treeline.sandbox.state"
)

var allowedImports = []string{"re", "json", "math", "string", "collections", "functools", "itertools"}

// Sandbox is a persistent execution environment. One Sandbox serves one
// search; executions are serialized.
type Sandbox struct {
	mu        sync.Mutex
	cfg       config.SandboxConfig
	queryFn   QueryFunc
	env       starlark.StringDict
	baseNames map[string]bool
	fileOpts  *syntax.FileOptions

	train  []Example
	sample []Example
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithQuery enables the llm_query builtin, backed by fn.
func WithQuery(fn QueryFunc) Option {
	return func(s *Sandbox) {
		s.queryFn = fn
		s.install(starlark.StringDict{"llm_query": s.llmQueryBuiltin()})
	}
}

// WithContext binds the transcript corpus to the context variable.
func WithContext(text string) Option {
	return func(s *Sandbox) {
		s.install(starlark.StringDict{"context": starlark.String(text)})
	}
}

// WithExamples binds scored training data for rubric discovery and enables
// the test_rubric builtin. The sample set is the quick-feedback subset shown
// to test_rubric; the full training set is exposed as training_examples.
func WithExamples(train, sample []Example) Option {
	return func(s *Sandbox) {
		s.train = train
		s.sample = sample
		s.install(starlark.StringDict{"test_rubric": s.testRubricBuiltin()})
		s.installExamples()
	}
}

// New builds a Sandbox with the standard module surface installed.
func New(cfg *config.SandboxConfig, opts ...Option) *Sandbox {
	s := &Sandbox{
		cfg:       *cfg,
		env:       starlark.StringDict{},
		baseNames: make(map[string]bool),
		fileOpts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
	}
	s.install(baseModules())
	s.install(extraBuiltins())
	s.install(starlark.StringDict{"FINAL_VAR": s.finalVarBuiltin()})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) install(d starlark.StringDict) {
	for name, v := range d {
		s.env[name] = v
		s.baseNames[name] = true
	}
}

func (s *Sandbox) installExamples() {
	s.install(starlark.StringDict{
		"training_examples": examplesToStarlark(s.train),
		"sample_examples":   examplesToStarlark(s.sample),
	})
}

// execState carries per-execution mutable state. Builtins reach it through a
// thread local so a detached worker never touches a later execution's state.
type execState struct {
	ctx     context.Context
	env     starlark.StringDict
	stdout  *boundedBuffer
	queries int
}

// Execute runs one code fragment against the shared namespace and reports
// captured output, a bounded snapshot of user-defined variables, and timing.
// A fragment that exceeds the configured timeout is cancelled and detached;
// its bindings are discarded.
func (s *Sandbox) Execute(ctx context.Context, code string) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res := &Result{}
	finish := func() *Result {
		res.Variables = s.snapshot()
		res.ElapsedMS = roundMS(time.Since(start))
		return res
	}

	rewritten, err := rewriteImports(normalizeEscapes(code))
	if err != nil {
		res.Stderr = truncateRunes(err.Error(), s.cfg.StderrCap)
		return finish()
	}

	file, err := s.fileOpts.Parse("fragment.star", rewritten, 0)
	if err != nil {
		res.Stderr = truncateRunes(err.Error(), s.cfg.StderrCap)
		return finish()
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	env := make(starlark.StringDict, len(s.env)+8)
	for name, v := range s.env {
		env[name] = v
	}
	st := &execState{
		ctx:    execCtx,
		env:    env,
		stdout: newBoundedBuffer(s.cfg.StdoutCap),
	}
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			st.stdout.WriteString(msg + "\n")
		},
	}
	thread.SetLocal(execStateKey, st)

	done := make(chan error, 1)
	go func() {
		done <- starlark.ExecREPLChunk(file, thread, env)
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		thread.Cancel("timeout")
		cancelExec()
		select {
		case <-done:
		case <-time.After(detachGrace):
		}
		res.Stderr = fmt.Sprintf("Execution timed out after %s", s.cfg.Timeout)
		return finish()
	case <-ctx.Done():
		thread.Cancel("cancelled")
		select {
		case <-done:
		case <-time.After(detachGrace):
		}
		res.Stderr = "Execution cancelled"
		return finish()
	}

	// The chunk mutated its private copy of the namespace; adopt it.
	s.env = env

	res.Stdout = truncateRunes(st.stdout.String(), s.cfg.StdoutCap)
	if err != nil {
		res.Stderr = truncateRunes(renderEvalError(err), s.cfg.StderrCap)
		return finish()
	}
	res.Success = true
	return finish()
}

// Lookup resolves a variable by name, tolerating quoted names as produced by
// FINAL_VAR markers, and renders its value as a plain string.
func (s *Sandbox) Lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = cleanVarName(name)
	v, ok := s.env[name]
	if !ok {
		return "", false
	}
	return displayString(v), true
}

// HasFunction reports whether name is bound to a callable.
func (s *Sandbox) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.env[name].(starlark.Callable)
	return ok
}

// RunRubric applies the named scoring function to every response, clamping
// results to [0, 1]. A sample that raises scores 0. The whole batch shares
// one timeout; exceeding it fails the batch.
func (s *Sandbox) RunRubric(ctx context.Context, name string, responses []string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.env[name].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("sandbox: no callable %q defined", name)
	}

	thread := &starlark.Thread{Name: "rubric", Print: func(*starlark.Thread, string) {}}
	var expired atomic.Bool
	timer := time.AfterFunc(s.cfg.Timeout, func() {
		expired.Store(true)
		thread.Cancel("timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("cancelled")
	})
	defer stop()

	preds := make([]float64, len(responses))
	for i, resp := range responses {
		v, err := starlark.Call(thread, fn, starlark.Tuple{starlark.String(resp)}, nil)
		if err != nil {
			if expired.Load() {
				return nil, fmt.Errorf("sandbox: rubric evaluation timed out after %s", s.cfg.Timeout)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			preds[i] = 0
			continue
		}
		f, ok := floatOf(v)
		if !ok {
			preds[i] = 0
			continue
		}
		preds[i] = clamp01(f)
	}
	return preds, nil
}

// Reset drops all user-defined bindings while keeping the installed modules,
// builtins, and injected data. Injected example lists are rebuilt so earlier
// fragments cannot leak mutations into the next run.
func (s *Sandbox) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := make(starlark.StringDict, len(s.baseNames))
	for name := range s.baseNames {
		if v, ok := s.env[name]; ok {
			env[name] = v
		}
	}
	s.env = env
	if s.train != nil || s.sample != nil {
		s.installExamples()
	}
}

func (s *Sandbox) snapshot() map[string]string {
	vars := make(map[string]string)
	for name, v := range s.env {
		if strings.HasPrefix(name, "_") || s.baseNames[name] {
			continue
		}
		vars[name] = renderRepr(v, s.cfg.VarReprCap)
	}
	return vars
}

func (s *Sandbox) llmQueryBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("llm_query", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prompt string
		if err := starlark.UnpackPositionalArgs("llm_query", args, kwargs, 1, &prompt); err != nil {
			return nil, err
		}
		st, _ := thread.Local(execStateKey).(*execState)
		if s.queryFn == nil || st == nil {
			return starlark.String(llmQueryUnavailable), nil
		}
		st.queries++
		if st.queries > s.cfg.LLMQueryLimit {
			return starlark.String(llmQueryLimitNotice), nil
		}
		if utf8.RuneCountInString(prompt) > s.cfg.PromptCap {
			prompt = truncateRunes(prompt, s.cfg.PromptCap) + promptTruncMarker
		}
		reply, err := s.queryFn(st.ctx, prompt)
		if err != nil {
			return starlark.String(fmt.Sprintf("[llm_query error: %v]", err)), nil
		}
		return starlark.String(strings.TrimSpace(reply)), nil
	})
}

// finalVarBuiltin resolves a variable name to its current value. Bindings
// made by the executing fragment are adopted only after it completes, so the
// authoritative resolution happens post-execution via Lookup; this builtin
// answers from earlier fragments.
func (s *Sandbox) finalVarBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("FINAL_VAR", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs("FINAL_VAR", args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		name, ok := starlark.AsString(v)
		if !ok {
			return starlark.String(displayString(v)), nil
		}
		name = cleanVarName(name)
		var env starlark.StringDict
		if st, _ := thread.Local(execStateKey).(*execState); st != nil {
			env = st.env
		} else {
			env = s.env
		}
		if val, found := env[name]; found {
			return starlark.String(displayString(val)), nil
		}
		return starlark.String(fmt.Sprintf("Error: Variable '%s' not found", name)), nil
	})
}

func (s *Sandbox) testRubricBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("test_rubric", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fnVal starlark.Value
		if err := starlark.UnpackPositionalArgs("test_rubric", args, kwargs, 1, &fnVal); err != nil {
			return nil, err
		}
		fn, ok := fnVal.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("test_rubric: got %s, want function", fnVal.Type())
		}
		st, _ := thread.Local(execStateKey).(*execState)
		var samples starlark.Value
		if st != nil {
			samples = st.env["sample_examples"]
		} else {
			samples = s.env["sample_examples"]
		}
		if samples == nil {
			return nil, errors.New("test_rubric: no sample data available")
		}

		iter := starlark.Iterate(samples)
		if iter == nil {
			return nil, fmt.Errorf("test_rubric: sample_examples is %s, want list", samples.Type())
		}
		defer iter.Done()

		results := starlark.NewList(nil)
		var errs []starlark.Value
		var total float64
		n := 0
		var ex starlark.Value
		for iter.Next(&ex) {
			resp, actual := exampleFields(ex)
			predicted := 0.0
			v, err := starlark.Call(thread, fn, starlark.Tuple{starlark.String(resp)}, nil)
			if err != nil {
				errs = append(errs, starlark.String(err.Error()))
			} else if f, numeric := floatOf(v); numeric {
				predicted = clamp01(f)
			} else {
				errs = append(errs, starlark.String(fmt.Sprintf("non-numeric rubric result: %s", v.Type())))
			}
			diff := abs(predicted - actual)
			total += diff
			n++
			entry := starlark.NewDict(3)
			_ = entry.SetKey(starlark.String("predicted"), starlark.Float(round4(predicted)))
			_ = entry.SetKey(starlark.String("actual"), starlark.Float(actual))
			_ = entry.SetKey(starlark.String("error"), starlark.Float(round4(diff)))
			_ = results.Append(entry)
		}

		mae := 0.0
		if n > 0 {
			mae = total / float64(n)
		}
		if st != nil {
			st.stdout.WriteString(fmt.Sprintf("test_rubric: MAE=%.4f on %d samples\n", mae, n))
			if len(errs) > 0 {
				st.stdout.WriteString(fmt.Sprintf("  %d execution errors\n", len(errs)))
			}
		}
		out := starlark.NewDict(3)
		_ = out.SetKey(starlark.String("mae"), starlark.Float(round4(mae)))
		_ = out.SetKey(starlark.String("results"), results)
		_ = out.SetKey(starlark.String("errors"), starlark.NewList(errs))
		return out, nil
	})
}

func exampleFields(ex starlark.Value) (response string, score float64) {
	m, ok := ex.(starlark.Mapping)
	if !ok {
		return "", 0
	}
	if v, found, err := m.Get(starlark.String("response")); err == nil && found {
		response = displayString(v)
	}
	if v, found, err := m.Get(starlark.String("score")); err == nil && found {
		if f, numeric := floatOf(v); numeric {
			score = f
		}
	}
	return response, score
}

func renderEvalError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func cleanVarName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'`)
	return strings.TrimSpace(name)
}

func renderRepr(v starlark.Value, limit int) (out string) {
	defer func() {
		if recover() != nil {
			out = "<unrepresentable>"
		}
	}()
	return truncateRunes(v.String(), limit)
}

func displayString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

func floatOf(v starlark.Value) (float64, bool) {
	if b, ok := v.(starlark.Bool); ok {
		if bool(b) {
			return 1, true
		}
		return 0, true
	}
	if f, ok := starlark.AsFloat(v); ok {
		return f, true
	}
	if s, ok := starlark.AsString(v); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func round4(f float64) float64 {
	return roundTo(f, 4)
}

func roundMS(d time.Duration) float64 {
	return roundTo(float64(d.Microseconds())/1000, 1)
}

func roundTo(f float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(f*pow) / pow
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// boundedBuffer drops writes once the captured output is comfortably past
// the configured cap; the final rune-accurate cut happens on read.
type boundedBuffer struct {
	b     strings.Builder
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (bb *boundedBuffer) WriteString(s string) {
	if bb.b.Len() >= bb.limit*4+16 {
		return
	}
	bb.b.WriteString(s)
}

func (bb *boundedBuffer) String() string {
	return bb.b.String()
}
