// Package session owns one process-wide Orchestrator: the shared transcript
// store, the loaded dataset slot, and the LLM client. It provisions a fresh
// sandbox and engine per request, runs searches, and forwards engine events
// to WebSocket connections as the sole transport writer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/qa"
	"github.com/treeline-ai/treeline/pkg/rubric"
	"github.com/treeline-ai/treeline/pkg/sandbox"
	"github.com/treeline-ai/treeline/pkg/transcript"
)

// Run modes recorded on metrics.
const (
	modeAsk      = "ask"
	modeCompare  = "compare"
	modeDiscover = "discover"
)

const (
	// transcriptPreviewChars bounds the preview returned per ingested video.
	transcriptPreviewChars = 500

	// subQueryTemperature and subQueryMaxTokens shape the llm_query builtin
	// exposed inside QA sandboxes.
	subQueryTemperature = 0.3
	subQueryMaxTokens   = 2000
)

// Orchestrator holds the process-wide collaborators and serves every request
// kind: transcript ingestion, synchronous asks, streamed searches,
// comparisons and rubric discovery.
type Orchestrator struct {
	cfg     *config.Config
	client  llm.Client
	store   *transcript.Store
	fetcher *transcript.Fetcher
	loader  *rubric.Loader
	metrics *observe.Metrics

	// mu guards the dataset slot. Searches never touch it.
	mu      sync.RWMutex
	dataset *rubric.Dataset
}

// New wires an Orchestrator from configuration. The client is shared across
// all requests; per-request call accounting wraps it on demand.
func New(cfg *config.Config, client llm.Client, metrics *observe.Metrics) (*Orchestrator, error) {
	store, err := transcript.NewStore(cfg.Transcripts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript store: %w", err)
	}
	return &Orchestrator{
		cfg:     cfg,
		client:  client,
		store:   store,
		fetcher: transcript.NewFetcher(*cfg.Transcripts),
		loader:  rubric.NewLoader(cfg.Datasets),
		metrics: metrics,
	}, nil
}

// VideoResult is one per-URL ingestion outcome. Successful entries carry the
// video fields; failed entries carry the url and error only.
type VideoResult struct {
	VideoID           string  `json:"video_id,omitempty"`
	Title             string  `json:"title,omitempty"`
	Duration          float64 `json:"duration,omitempty"`
	Channel           string  `json:"channel,omitempty"`
	SegmentCount      int     `json:"segment_count,omitempty"`
	TranscriptChars   int     `json:"transcript_chars,omitempty"`
	TranscriptPreview string  `json:"transcript_preview,omitempty"`

	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Transcribe ingests each source URL into the store. Failures are reported
// inline per URL; the call itself always succeeds.
func (o *Orchestrator) Transcribe(ctx context.Context, urls []string) []*VideoResult {
	results := make([]*VideoResult, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		video, segments, err := o.fetcher.Fetch(ctx, url)
		if err != nil {
			slog.Warn("Transcript fetch failed", "url", url, "error", err)
			o.metrics.TranscribeResults.WithLabelValues(observe.StatusError).Inc()
			results = append(results, &VideoResult{URL: url, Error: err.Error()})
			continue
		}

		video.Chunks = transcript.ChunkTranscript(segments,
			o.cfg.Transcripts.ChunkTargetTokens,
			o.cfg.Transcripts.ChunkOverlapTokens,
			transcript.CountTokens)
		o.store.Add(video)

		o.metrics.TranscribeResults.WithLabelValues(observe.StatusOK).Inc()
		slog.Info("Transcript ingested",
			"video_id", video.ID, "segments", video.SegmentCount, "chars", len(video.FullText))
		results = append(results, &VideoResult{
			VideoID:           video.ID,
			Title:             video.Title,
			Duration:          video.Duration,
			Channel:           video.Channel,
			SegmentCount:      video.SegmentCount,
			TranscriptChars:   len(video.FullText),
			TranscriptPreview: previewText(video.FullText, transcriptPreviewChars),
		})
	}
	return results
}

// LoadDataset reads one dataset and installs it as the active discovery
// target, replacing any previous one.
func (o *Orchestrator) LoadDataset(name, kind, path string) (*rubric.Summary, error) {
	data, err := o.loader.Load(name, rubric.Kind(kind), path)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	o.mu.Lock()
	o.dataset = data
	o.mu.Unlock()

	slog.Info("Dataset loaded",
		"name", data.Name, "train", len(data.Train), "eval", len(data.Eval))
	return data.Summarize(), nil
}

// DatasetSummary describes the active dataset, or ErrNoDataset when none has
// been loaded.
func (o *Orchestrator) DatasetSummary() (*rubric.Summary, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.dataset == nil {
		return nil, ErrNoDataset
	}
	return o.dataset.Summarize(), nil
}

func (o *Orchestrator) activeDataset() *rubric.Dataset {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dataset
}

// Ask answers one question synchronously, without streaming. Used by the
// REST endpoint; the WebSocket path goes through Dispatch instead.
func (o *Orchestrator) Ask(ctx context.Context, question string, videoIDs []string, maxIterations int) (*engine.Outcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, NewValidationError("question", "question is required")
	}
	contextText, err := o.contextFor(question, videoIDs)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	counting := newCountingClient(o.client)
	box := o.newQASandbox(contextText, counting)
	eng := o.newSearchEngine(counting, box, o.searchOptions(maxIterations, len(contextText)), nil)

	outcome, err := eng.Search(ctx, question)
	elapsed := time.Since(start)
	o.metrics.LLMCalls.Add(float64(counting.Calls()))
	if err != nil {
		o.metrics.ObserveRun(modeAsk, observe.StatusError, elapsed.Seconds())
		return nil, fmt.Errorf("search failed: %w", err)
	}

	o.metrics.ObserveRun(modeAsk, observe.StatusOK, elapsed.Seconds())
	o.metrics.CodeExecutions.Add(float64(codeExecutions(eng.Tree())))
	return outcome, nil
}

// contextFor assembles the question context from the requested videos. When
// the combined text exceeds the configured budget it falls back to TF-IDF
// retrieval against the question, and to the full text again if retrieval
// comes back empty.
func (o *Orchestrator) contextFor(question string, ids []string) (string, error) {
	full := o.store.BuildContext(ids)
	if strings.TrimSpace(full) == "" {
		return "", ErrNoTranscripts
	}

	limit := o.cfg.Transcripts.ContextMaxChars
	if limit <= 0 || len(full) <= limit {
		return full, nil
	}

	// Token budget approximated at four characters per token.
	retrieved := o.store.RetrievedContext(ids, question, limit/4)
	if retrieved == "" {
		return full, nil
	}
	slog.Info("Context over budget, using retrieval",
		"full_chars", len(full), "retrieved_chars", len(retrieved))
	return retrieved, nil
}

// newQASandbox builds the per-request execution environment: transcript
// context bound to the context variable, llm_query backed by the judge model
// through the given client.
func (o *Orchestrator) newQASandbox(contextText string, client llm.Client) *sandbox.Sandbox {
	return sandbox.New(o.cfg.Sandbox,
		sandbox.WithContext(contextText),
		sandbox.WithQuery(o.subQuery(client)))
}

// subQuery is the llm_query backing: a single user-turn completion against
// the judge model with a short token cap.
func (o *Orchestrator) subQuery(client llm.Client) sandbox.QueryFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Complete(ctx, &llm.Request{
			Model:       o.cfg.LLM.JudgeModel,
			Messages:    []llm.Message{llm.User(prompt)},
			Temperature: subQueryTemperature,
			MaxTokens:   subQueryMaxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

func (o *Orchestrator) searchOptions(maxIterations, contextChars int) engine.Options {
	if maxIterations <= 0 {
		maxIterations = o.cfg.Search.MaxIterations
	}
	return engine.Options{
		MaxIterations:  maxIterations,
		MaxDepth:       o.cfg.Search.MaxDepth,
		Exploration:    o.cfg.Search.Exploration,
		HistoryLimit:   o.cfg.Search.HistoryLimit,
		CandidateLimit: o.cfg.Search.CandidateLimit,
		ContextChars:   contextChars,
	}
}

func (o *Orchestrator) newSearchEngine(client llm.Client, box *sandbox.Sandbox, opts engine.Options, events chan<- engine.Event) *engine.Engine {
	policy := qa.NewPolicy(client, o.cfg.LLM.PolicyModel, opts.ContextChars)
	judge := qa.NewJudge(client, o.cfg.LLM.JudgeModel)
	synth := qa.NewSynthesizer(client, o.cfg.LLM.PolicyModel)
	return engine.New(box, policy, judge, synth, opts, events)
}

// countingClient wraps a shared client with its own call counter so each
// engine in a comparison run gets independent accounting.
type countingClient struct {
	inner llm.Client
	calls atomic.Int64
}

func newCountingClient(inner llm.Client) *countingClient {
	return &countingClient{inner: inner}
}

func (c *countingClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.calls.Add(1)
	return c.inner.Complete(ctx, req)
}

func (c *countingClient) Calls() int64 {
	return c.calls.Load()
}

// codeExecutions counts executed code nodes in a finished tree.
func codeExecutions(tree *engine.Tree) int {
	if tree == nil {
		return 0
	}
	n := 0
	tree.Walk(func(node *engine.Node) {
		if node.Type == engine.NodeCode {
			n++
		}
	})
	return n
}

func previewText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
