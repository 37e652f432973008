package sandbox

// Result captures one execution of a code fragment.
type Result struct {
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	Variables map[string]string `json:"variables"`
	ElapsedMS float64           `json:"elapsed_ms"`
	Success   bool              `json:"success"`
}

// Example is a scored sample exposed to sandboxed rubric code through the
// training_examples and sample_examples bindings.
type Example struct {
	Input    string         `json:"input"`
	Response string         `json:"response"`
	Score    float64        `json:"score"`
	Spec     map[string]any `json:"spec,omitempty"`
}
