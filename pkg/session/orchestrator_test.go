package session

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/observe"
)

// routingClient answers by inspecting the request instead of replaying a
// script. Comparison runs drive two engines concurrently over one shared
// client, so call order is not deterministic.
type routingClient struct {
	judgeModel string
	judgeReply string

	// rules map a user-message marker to a canned reply, first match wins.
	rules []routeRule

	// failOn, when set, fails any request whose messages contain it.
	failOn string

	mu    sync.Mutex
	reqs  []*llm.Request
	calls atomic.Int64
}

type routeRule struct {
	marker string
	reply  string
}

func (f *routingClient) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.failOn != "" && f.contains(req, f.failOn) {
		return nil, errors.New("provider unavailable")
	}
	if req.Model == f.judgeModel {
		return &llm.Response{Content: f.judgeReply}, nil
	}
	for _, r := range f.rules {
		if f.contains(req, r.marker) {
			return &llm.Response{Content: r.reply}, nil
		}
	}
	return &llm.Response{Content: "no rule matched"}, nil
}

func (f *routingClient) contains(req *llm.Request, marker string) bool {
	for _, m := range req.Messages {
		if strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}

func (f *routingClient) Calls() int64 { return f.calls.Load() }

// qaClient covers a full question-answering run: root expansion returns one
// code seed, branches return nothing executable, judges score 0.8.
func qaClient() *routingClient {
	return &routingClient{
		judgeModel: "judge-model",
		judgeReply: "0.8",
		rules: []routeRule{
			{marker: "Generate 2-3 DIFFERENT code strategies", reply: "```repl\nprint('42')\n```"},
			{marker: "Write a SINGLE", reply: "```repl\nprint('42')\n```"},
			{marker: "Synthesize a comprehensive answer", reply: "Tree answer: 42."},
			{marker: "Synthesize a clear answer", reply: "Plain answer: 42."},
		},
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		LLM: &config.LLMConfig{
			PolicyModel: "policy-model",
			JudgeModel:  "judge-model",
		},
		Search: &config.SearchConfig{
			MaxIterations:  1,
			MaxDepth:       3,
			Exploration:    math.Sqrt2,
			HistoryLimit:   10,
			CandidateLimit: 10,
		},
		Sandbox: &config.SandboxConfig{
			Timeout:       5 * time.Second,
			LLMQueryLimit: 3,
			PromptCap:     100000,
			StdoutCap:     2000,
			StderrCap:     1000,
			VarReprCap:    200,
		},
		Transcripts: &config.TranscriptConfig{
			CacheSize:          8,
			ChunkTargetTokens:  40,
			ChunkOverlapTokens: 8,
			ContextMaxChars:    150_000,
			FetchTimeout:       5 * time.Second,
		},
		Datasets: &config.DatasetConfig{
			Dir:          t.TempDir(),
			SampleSize:   8,
			SampleSeed:   123,
			SplitSeed:    42,
			EvalFraction: 0.2,
			Tolerance:    0.15,
		},
	}
}

func newTestOrchestrator(t *testing.T, client llm.Client) *Orchestrator {
	t.Helper()
	o, err := New(testConfig(t), client, observe.NewMetrics())
	require.NoError(t, err)
	return o
}

const fixtureVTT = "WEBVTT\n\n" +
	"00:01.000 --> 00:04.000\nthe keynote opens with quarterly numbers\n\n" +
	"00:04.000 --> 00:08.000\nrevenue grew fourteen percent year over year\n\n" +
	"00:08.000 --> 00:12.000\nthe roadmap section covers three launches\n"

func writeVTT(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(fixtureVTT), 0o644))
	return path
}

func TestTranscribeReportsPerURL(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())
	good := writeVTT(t, "keynote.vtt")

	results := o.Transcribe(context.Background(), []string{good, "/nonexistent/missing.vtt"})
	require.Len(t, results, 2)

	ok := results[0]
	assert.NotEmpty(t, ok.VideoID)
	assert.Equal(t, "keynote", ok.Title)
	assert.Equal(t, 3, ok.SegmentCount)
	assert.InDelta(t, 12.0, ok.Duration, 0.001)
	assert.Greater(t, ok.TranscriptChars, 0)
	assert.NotEmpty(t, ok.TranscriptPreview)
	assert.Empty(t, ok.Error)

	failed := results[1]
	assert.Equal(t, "/nonexistent/missing.vtt", failed.URL)
	assert.NotEmpty(t, failed.Error)
	assert.Empty(t, failed.VideoID)

	assert.Equal(t, 1, o.store.Len())
}

func TestTranscribeBuildsChunkIndex(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())
	o.Transcribe(context.Background(), []string{writeVTT(t, "keynote.vtt")})

	videos := o.store.All()
	require.Len(t, videos, 1)
	require.NotNil(t, videos[0].Chunks)
}

func TestAskValidatesQuestion(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())

	_, err := o.Ask(context.Background(), "   ", nil, 0)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestAskRequiresTranscripts(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())

	_, err := o.Ask(context.Background(), "what grew?", nil, 0)
	require.ErrorIs(t, err, ErrNoTranscripts)
}

func TestAskRunsSearch(t *testing.T) {
	client := qaClient()
	o := newTestOrchestrator(t, client)
	o.Transcribe(context.Background(), []string{writeVTT(t, "keynote.vtt")})

	outcome, err := o.Ask(context.Background(), "What number was mentioned?", nil, 1)
	require.NoError(t, err)

	assert.Equal(t, "Tree answer: 42.", outcome.Answer)
	assert.InDelta(t, 0.8, outcome.Confidence, 1e-9)
	// Root plus the executed strategy node.
	assert.GreaterOrEqual(t, len(outcome.Tree), 2)

	// Root expansion, one judge call, one synthesis call.
	assert.EqualValues(t, 3, client.Calls())
}

func TestAskSearchFailure(t *testing.T) {
	client := qaClient()
	client.failOn = "Generate 2-3 DIFFERENT code strategies"
	o := newTestOrchestrator(t, client)
	o.Transcribe(context.Background(), []string{writeVTT(t, "keynote.vtt")})

	_, err := o.Ask(context.Background(), "what grew?", nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search failed")
}

func TestContextForUsesFullTextUnderBudget(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())
	o.Transcribe(context.Background(), []string{writeVTT(t, "keynote.vtt")})

	text, err := o.contextFor("revenue", nil)
	require.NoError(t, err)
	assert.Contains(t, text, "=== keynote ===")
	assert.Contains(t, text, "revenue grew fourteen percent")
}

func TestContextForFallsBackToRetrieval(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())
	o.Transcribe(context.Background(), []string{writeVTT(t, "keynote.vtt")})

	full, err := o.contextFor("revenue", nil)
	require.NoError(t, err)

	// Force the budget below the combined text; retrieval takes over.
	o.cfg.Transcripts.ContextMaxChars = len(full) - 1
	text, err := o.contextFor("revenue", nil)
	require.NoError(t, err)
	assert.NotEqual(t, full, text)
	assert.Contains(t, text, "=== keynote ===")
	assert.Contains(t, text, "revenue")
	// Retrieved chunks carry timestamp prefixes.
	assert.Contains(t, text, "[00:0")
}

func TestDatasetSummaryBeforeLoad(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())

	_, err := o.DatasetSummary()
	require.ErrorIs(t, err, ErrNoDataset)
}

const dpoFixture = `{"input": "How do I reset my password?", "preferred_output": "Plan:\n1. Open settings\n2. Choose security\n3. Reset", "non_preferred_output": "Just figure it out."}
{"input": "Summarize the incident", "preferred_output": "Plan:\n1. Collect logs\n2. Compare timelines", "non_preferred_output": "No idea."}
{"input": "Draft the rollout", "preferred_output": "Plan:\n1. Canary\n2. Ramp\n3. Monitor", "non_preferred_output": "Ship it."}
`

func TestLoadDatasetInstallsActive(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())
	path := filepath.Join(o.cfg.Datasets.Dir, "dpo_pairs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(dpoFixture), 0o644))

	summary, err := o.LoadDataset("", "", "dpo_pairs.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "dpo_pairs", summary.Name)
	assert.Equal(t, 6, summary.NumTraining+summary.NumEval)

	again, err := o.DatasetSummary()
	require.NoError(t, err)
	assert.Equal(t, summary.Name, again.Name)
}

func TestLoadDatasetMissingFile(t *testing.T) {
	o := newTestOrchestrator(t, qaClient())

	_, err := o.LoadDataset("", "", "absent.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load dataset")
}

func TestCountingClientIsIndependent(t *testing.T) {
	inner := qaClient()
	a := newCountingClient(inner)
	b := newCountingClient(inner)

	_, err := a.Complete(context.Background(), &llm.Request{Model: "judge-model"})
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), &llm.Request{Model: "judge-model"})
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), &llm.Request{Model: "judge-model"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, a.Calls())
	assert.EqualValues(t, 1, b.Calls())
	assert.EqualValues(t, 3, inner.Calls())
}
