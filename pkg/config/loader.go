package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// treelineYAMLConfig represents the complete treeline.yaml file structure.
// Durations are strings ("30s", "2m") parsed during resolution.
type treelineYAMLConfig struct {
	Server      *serverYAMLConfig     `yaml:"server"`
	LLM         *llmYAMLConfig        `yaml:"llm"`
	Search      *SearchConfig         `yaml:"search"`
	Sandbox     *sandboxYAMLConfig    `yaml:"sandbox"`
	Transcripts *transcriptYAMLConfig `yaml:"transcripts"`
	Datasets    *DatasetConfig        `yaml:"datasets"`
}

type serverYAMLConfig struct {
	HTTPPort         string   `yaml:"http_port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	WSWriteTimeout   string   `yaml:"ws_write_timeout"`
	ShutdownTimeout  string   `yaml:"shutdown_timeout"`
}

type llmYAMLConfig struct {
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURLEnv     string `yaml:"base_url_env"`
	PolicyModel    string `yaml:"policy_model"`
	JudgeModel     string `yaml:"judge_model"`
	MaxRetries     *int   `yaml:"max_retries"`
	RequestTimeout string `yaml:"request_timeout"`
}

type sandboxYAMLConfig struct {
	Timeout       string `yaml:"timeout"`
	LLMQueryLimit *int   `yaml:"llm_query_limit"`
	PromptCap     *int   `yaml:"prompt_cap"`
	StdoutCap     *int   `yaml:"stdout_cap"`
	StderrCap     *int   `yaml:"stderr_cap"`
	VarReprCap    *int   `yaml:"var_repr_cap"`
}

type transcriptYAMLConfig struct {
	CacheSize          *int   `yaml:"cache_size"`
	ChunkTargetTokens  *int   `yaml:"chunk_target_tokens"`
	ChunkOverlapTokens *int   `yaml:"chunk_overlap_tokens"`
	ContextMaxChars    *int   `yaml:"context_max_chars"`
	FetchTimeout       string `yaml:"fetch_timeout"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load treeline.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Apply built-in defaults for unset values
//  5. Apply environment overrides (POLICY_MODEL, JUDGE_MODEL)
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"policy_model", cfg.LLM.PolicyModel,
		"judge_model", cfg.LLM.JudgeModel,
		"max_iterations", cfg.Search.MaxIterations,
		"max_depth", cfg.Search.MaxDepth,
		"sandbox_timeout", cfg.Sandbox.Timeout)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	raw, err := loadTreelineYAML(configDir)
	if err != nil {
		return nil, NewLoadError("treeline.yaml", err)
	}

	cfg := defaultConfig()
	cfg.configDir = configDir

	resolveServer(cfg.Server, raw.Server)
	resolveLLM(cfg.LLM, raw.LLM)
	resolveSandbox(cfg.Sandbox, raw.Sandbox)
	resolveTranscripts(cfg.Transcripts, raw.Transcripts)

	// Plain-number sections merge user YAML over defaults directly.
	if raw.Search != nil {
		if err := mergo.Merge(cfg.Search, raw.Search, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge search config: %w", err)
		}
	}
	if raw.Datasets != nil {
		if err := mergo.Merge(cfg.Datasets, raw.Datasets, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge datasets config: %w", err)
		}
	}

	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

func loadTreelineYAML(configDir string) (*treelineYAMLConfig, error) {
	var raw treelineYAMLConfig

	path := filepath.Join(configDir, "treeline.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file: run on defaults + environment.
			slog.Info("No treeline.yaml found, using built-in defaults", "path", path)
			return &raw, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &raw, nil
}

// resolveServer applies server YAML values over defaults.
func resolveServer(cfg *ServerConfig, raw *serverYAMLConfig) {
	if raw == nil {
		return
	}
	if raw.HTTPPort != "" {
		cfg.HTTPPort = raw.HTTPPort
	}
	if len(raw.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = raw.AllowedWSOrigins
	}
	cfg.WSWriteTimeout = resolveDuration("server", "ws_write_timeout", raw.WSWriteTimeout, cfg.WSWriteTimeout)
	cfg.ShutdownTimeout = resolveDuration("server", "shutdown_timeout", raw.ShutdownTimeout, cfg.ShutdownTimeout)
}

// resolveLLM applies llm YAML values over defaults, then environment
// overrides on top (POLICY_MODEL, JUDGE_MODEL).
func resolveLLM(cfg *LLMConfig, raw *llmYAMLConfig) {
	if raw != nil {
		if raw.APIKeyEnv != "" {
			cfg.APIKeyEnv = raw.APIKeyEnv
		}
		if raw.BaseURLEnv != "" {
			cfg.BaseURLEnv = raw.BaseURLEnv
		}
		if raw.PolicyModel != "" {
			cfg.PolicyModel = raw.PolicyModel
		}
		if raw.JudgeModel != "" {
			cfg.JudgeModel = raw.JudgeModel
		}
		if raw.MaxRetries != nil {
			cfg.MaxRetries = *raw.MaxRetries
		}
		cfg.RequestTimeout = resolveDuration("llm", "request_timeout", raw.RequestTimeout, cfg.RequestTimeout)
	}

	if m := os.Getenv("POLICY_MODEL"); m != "" {
		cfg.PolicyModel = m
	}
	if m := os.Getenv("JUDGE_MODEL"); m != "" {
		cfg.JudgeModel = m
	}
}

// resolveSandbox applies sandbox YAML values over defaults.
func resolveSandbox(cfg *SandboxConfig, raw *sandboxYAMLConfig) {
	if raw == nil {
		return
	}
	cfg.Timeout = resolveDuration("sandbox", "timeout", raw.Timeout, cfg.Timeout)
	if raw.LLMQueryLimit != nil {
		cfg.LLMQueryLimit = *raw.LLMQueryLimit
	}
	if raw.PromptCap != nil {
		cfg.PromptCap = *raw.PromptCap
	}
	if raw.StdoutCap != nil {
		cfg.StdoutCap = *raw.StdoutCap
	}
	if raw.StderrCap != nil {
		cfg.StderrCap = *raw.StderrCap
	}
	if raw.VarReprCap != nil {
		cfg.VarReprCap = *raw.VarReprCap
	}
}

// resolveTranscripts applies transcript YAML values over defaults.
func resolveTranscripts(cfg *TranscriptConfig, raw *transcriptYAMLConfig) {
	if raw == nil {
		return
	}
	if raw.CacheSize != nil {
		cfg.CacheSize = *raw.CacheSize
	}
	if raw.ChunkTargetTokens != nil {
		cfg.ChunkTargetTokens = *raw.ChunkTargetTokens
	}
	if raw.ChunkOverlapTokens != nil {
		cfg.ChunkOverlapTokens = *raw.ChunkOverlapTokens
	}
	if raw.ContextMaxChars != nil {
		cfg.ContextMaxChars = *raw.ContextMaxChars
	}
	cfg.FetchTimeout = resolveDuration("transcripts", "fetch_timeout", raw.FetchTimeout, cfg.FetchTimeout)
}

// resolveDuration parses a duration string, keeping the default (with a
// warning) on invalid input.
func resolveDuration(section, field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"section", section,
			"field", field,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	return d
}
