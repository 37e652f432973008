// Package e2e provides end-to-end test infrastructure for treeline: a full
// server instance on a random port, a scripted LLM client, and a WebSocket
// event collector.
package e2e

import (
	"context"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/treeline-ai/treeline/pkg/api"
	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/events"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestApp boots a complete treeline instance for e2e testing.
type TestApp struct {
	Config       *config.Config
	LLMClient    *ScriptedLLMClient
	Orchestrator *session.Orchestrator
	ConnManager  *events.ConnectionManager
	Metrics      *observe.Metrics
	Server       *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg       *config.Config
	llmClient *ScriptedLLMClient
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithLLMClient sets a pre-scripted LLM client.
func WithLLMClient(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llmClient = client }
}

// NewTestApp creates and starts a full treeline test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig(t)
	}
	if tc.llmClient == nil {
		tc.llmClient = NewScriptedLLMClient()
	}

	// 1. Orchestrator over the scripted client.
	metrics := observe.NewMetrics()
	orch, err := session.New(tc.cfg, tc.llmClient, metrics)
	require.NoError(t, err)

	// 2. Streaming infrastructure.
	connManager := events.NewConnectionManager(tc.cfg.Server.WSWriteTimeout)

	// 3. HTTP server on a random port.
	server := api.NewServer(tc.cfg, orch, connManager, metrics)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	addr := ln.Addr().String()
	return &TestApp{
		Config:       tc.cfg,
		LLMClient:    tc.llmClient,
		Orchestrator: orch,
		ConnManager:  connManager,
		Metrics:      metrics,
		Server:       server,
		BaseURL:      fmt.Sprintf("http://%s", addr),
		WSURL:        fmt.Sprintf("ws://%s/ws", addr),
		t:            t,
	}
}

// defaultTestConfig mirrors the production defaults with short timeouts, a
// temp dataset directory, and deterministic sampling seeds.
func defaultTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: &config.ServerConfig{
			HTTPPort:        "0",
			WSWriteTimeout:  5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
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
