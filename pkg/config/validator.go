package config

import (
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}

	if err := v.validateSearch(); err != nil {
		return fmt.Errorf("search validation failed: %w", err)
	}

	if err := v.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox validation failed: %w", err)
	}

	if err := v.validateDatasets(); err != nil {
		return fmt.Errorf("datasets validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.HTTPPort == "" {
		return NewValidationError("server", "http_port", fmt.Errorf("must not be empty"))
	}
	if s.ShutdownTimeout <= 0 {
		return NewValidationError("server", "shutdown_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l.APIKeyEnv == "" {
		return NewValidationError("llm", "api_key_env", fmt.Errorf("must not be empty"))
	}
	if l.PolicyModel == "" {
		return NewValidationError("llm", "policy_model", fmt.Errorf("must not be empty"))
	}
	if l.JudgeModel == "" {
		return NewValidationError("llm", "judge_model", fmt.Errorf("must not be empty"))
	}
	if l.MaxRetries < 0 {
		return NewValidationError("llm", "max_retries", fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateSearch() error {
	s := v.cfg.Search
	if s.MaxIterations < 1 {
		return NewValidationError("search", "max_iterations", fmt.Errorf("must be at least 1"))
	}
	if s.MaxDepth < 1 {
		return NewValidationError("search", "max_depth", fmt.Errorf("must be at least 1"))
	}
	if s.Exploration <= 0 {
		return NewValidationError("search", "exploration", fmt.Errorf("must be positive"))
	}
	if s.HistoryLimit < 1 {
		return NewValidationError("search", "history_limit", fmt.Errorf("must be at least 1"))
	}
	if s.CandidateLimit < 1 {
		return NewValidationError("search", "candidate_limit", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateSandbox() error {
	s := v.cfg.Sandbox
	if s.Timeout <= 0 {
		return NewValidationError("sandbox", "timeout", fmt.Errorf("must be positive"))
	}
	if s.LLMQueryLimit < 0 {
		return NewValidationError("sandbox", "llm_query_limit", fmt.Errorf("must not be negative"))
	}
	for field, cap := range map[string]int{
		"stdout_cap":   s.StdoutCap,
		"stderr_cap":   s.StderrCap,
		"var_repr_cap": s.VarReprCap,
		"prompt_cap":   s.PromptCap,
	} {
		if cap < 1 {
			return NewValidationError("sandbox", field, fmt.Errorf("must be at least 1"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateDatasets() error {
	d := v.cfg.Datasets
	if d.SampleSize < 1 {
		return NewValidationError("datasets", "sample_size", fmt.Errorf("must be at least 1"))
	}
	if d.EvalFraction <= 0 || d.EvalFraction >= 1 {
		return NewValidationError("datasets", "eval_fraction", fmt.Errorf("must be in (0, 1)"))
	}
	if d.Tolerance <= 0 || d.Tolerance > 1 {
		return NewValidationError("datasets", "tolerance", fmt.Errorf("must be in (0, 1]"))
	}
	return nil
}
