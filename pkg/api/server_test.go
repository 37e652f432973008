package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/events"
	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedClient routes completions by model and prompt marker, enough to
// drive one small search end to end.
type scriptedClient struct {
	fail  bool
	calls atomic.Int64
}

func (f *scriptedClient) Calls() int64 { return f.calls.Load() }

func (f *scriptedClient) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("provider unavailable")
	}
	if req.Model == "judge-model" {
		return &llm.Response{Content: "0.8"}, nil
	}
	switch {
	case promptContains(req, "Generate 2-3 DIFFERENT code strategies"):
		return &llm.Response{Content: "```repl\nprint('42')\n```"}, nil
	case promptContains(req, "Synthesize a comprehensive answer"):
		return &llm.Response{Content: "Tree answer: 42."}, nil
	}
	return &llm.Response{Content: "unused"}, nil
}

func promptContains(req *llm.Request, marker string) bool {
	for _, m := range req.Messages {
		if strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: &config.ServerConfig{
			HTTPPort:         "0",
			AllowedWSOrigins: []string{"http://studio.example"},
			WSWriteTimeout:   5 * time.Second,
			ShutdownTimeout:  5 * time.Second,
		},
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

func newTestServer(t *testing.T, client llm.Client) *Server {
	t.Helper()
	cfg := testConfig(t)
	metrics := observe.NewMetrics()
	orch, err := session.New(cfg, client, metrics)
	require.NoError(t, err)
	connMgr := events.NewConnectionManager(cfg.Server.WSWriteTimeout)
	return NewServer(cfg, orch, connMgr, metrics)
}

// doRequest runs one request through the router. An empty body sends no
// request body at all.
func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
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

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w := doRequest(t, s, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"version"`)
}

func TestMetricsExposition(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	// A first request gives the HTTP counters something to report.
	doRequest(t, s, http.MethodGet, "/healthz", "")
	w := doRequest(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "treeline_llm_calls_total 0")
	assert.Contains(t, body, "treeline_ws_connections 0")
	assert.Contains(t, body,
		`treeline_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, &scriptedClient{})

	w := doRequest(t, s, http.MethodGet, "/nope", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
