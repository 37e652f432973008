// Package config loads and validates treeline configuration.
//
// Configuration comes from a single treeline.yaml file in the config
// directory, with {{.ENV_VAR}} template expansion and built-in defaults for
// every field. A missing file is not an error: the service runs entirely on
// defaults plus environment variables.
package config

import (
	"math"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Server      *ServerConfig
	LLM         *LLMConfig
	Search      *SearchConfig
	Sandbox     *SandboxConfig
	Transcripts *TranscriptConfig
	Datasets    *DatasetConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// HTTPPort is the listen port. The HTTP_PORT environment variable
	// overrides it.
	HTTPPort string

	// AllowedWSOrigins lists additional Origin values accepted on the
	// WebSocket endpoint beside same-host requests.
	AllowedWSOrigins []string

	// WSWriteTimeout bounds a single WebSocket frame write.
	WSWriteTimeout time.Duration

	// ShutdownTimeout bounds the graceful-shutdown drain.
	ShutdownTimeout time.Duration
}

// LLMConfig holds provider access and model selection.
type LLMConfig struct {
	// APIKeyEnv names the environment variable carrying the API key.
	APIKeyEnv string

	// BaseURLEnv names the environment variable carrying an optional
	// OpenAI-compatible base URL override.
	BaseURLEnv string

	// PolicyModel generates strategies, code and synthesis text.
	// The POLICY_MODEL environment variable overrides it.
	PolicyModel string

	// JudgeModel scores nodes. Much smaller and cheaper than the policy
	// model. The JUDGE_MODEL environment variable overrides it.
	JudgeModel string

	// MaxRetries is the bounded retry count applied inside the client for
	// transient provider failures.
	MaxRetries int

	// RequestTimeout is the per-request HTTP timeout.
	RequestTimeout time.Duration
}

// SearchConfig holds the tree-search knobs shared by both engine variants.
type SearchConfig struct {
	// MaxIterations is the fixed iteration budget. The loop always runs it
	// to completion; there is no early stop on a good answer.
	MaxIterations int `yaml:"max_iterations"`

	// MaxDepth is the deepest level at which expansion is still allowed.
	MaxDepth int `yaml:"max_depth"`

	// Exploration is the UCB1 exploration constant c.
	Exploration float64 `yaml:"exploration"`

	// HistoryLimit caps the branch-history messages passed to the policy.
	HistoryLimit int `yaml:"history_limit"`

	// CandidateLimit caps the ranked candidates handed to the synthesizer.
	CandidateLimit int `yaml:"candidate_limit"`
}

// SandboxConfig holds code-execution budgets.
type SandboxConfig struct {
	// Timeout is the wall-clock budget per execution.
	Timeout time.Duration

	// LLMQueryLimit caps llm_query calls per execution.
	LLMQueryLimit int

	// PromptCap truncates llm_query prompts beyond this many characters.
	PromptCap int

	// StdoutCap, StderrCap and VarReprCap bound captured output sizes.
	StdoutCap  int
	StderrCap  int
	VarReprCap int
}

// TranscriptConfig holds ingest and retrieval settings.
type TranscriptConfig struct {
	// CacheSize bounds the process-wide video cache (entries).
	CacheSize int

	// ChunkTargetTokens and ChunkOverlapTokens shape TF-IDF chunking.
	ChunkTargetTokens  int
	ChunkOverlapTokens int

	// ContextMaxChars is the combined-transcript size above which question
	// context switches from full text to TF-IDF retrieval. Zero disables
	// the fallback.
	ContextMaxChars int

	// FetchTimeout bounds a single subtitle download.
	FetchTimeout time.Duration
}

// DatasetConfig holds rubric-discovery data settings.
type DatasetConfig struct {
	// Dir is the directory scanned for dataset JSON files.
	Dir string `yaml:"dir"`

	// SampleSize and SampleSeed control the stratified sample the policy
	// sees inside the sandbox.
	SampleSize int   `yaml:"sample_size"`
	SampleSeed int64 `yaml:"sample_seed"`

	// SplitSeed shuffles examples before the train/eval split.
	SplitSeed int64 `yaml:"split_seed"`

	// EvalFraction is the held-out share of examples.
	EvalFraction float64 `yaml:"eval_fraction"`

	// Tolerance is the |predicted-actual| bound counted as accurate in
	// eval reports.
	Tolerance float64 `yaml:"tolerance"`
}

// Default values applied to any field left unset in treeline.yaml.
func defaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			HTTPPort:        "8080",
			WSWriteTimeout:  10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: &LLMConfig{
			APIKeyEnv:      "OPENAI_API_KEY",
			BaseURLEnv:     "OPENAI_BASE_URL",
			PolicyModel:    "gpt-4o",
			JudgeModel:     "gpt-4o-mini",
			MaxRetries:     1,
			RequestTimeout: 60 * time.Second,
		},
		Search: &SearchConfig{
			MaxIterations:  12,
			MaxDepth:       5,
			Exploration:    math.Sqrt2,
			HistoryLimit:   10,
			CandidateLimit: 10,
		},
		Sandbox: &SandboxConfig{
			Timeout:       30 * time.Second,
			LLMQueryLimit: 3,
			PromptCap:     100_000,
			StdoutCap:     2000,
			StderrCap:     1000,
			VarReprCap:    200,
		},
		Transcripts: &TranscriptConfig{
			CacheSize:          64,
			ChunkTargetTokens:  500,
			ChunkOverlapTokens: 100,
			ContextMaxChars:    150_000,
			FetchTimeout:       30 * time.Second,
		},
		Datasets: &DatasetConfig{
			Dir:          "./data",
			SampleSize:   20,
			SampleSeed:   123,
			SplitSeed:    42,
			EvalFraction: 0.2,
			Tolerance:    0.15,
		},
	}
}
