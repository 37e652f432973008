// Package llm provides the process-wide chat-completion client.
//
// The engine, policies, judges and the sandbox's llm_query builtin all go
// through the Client interface; the OpenAI-compatible implementation is
// constructed once at startup and shared. Implementations must be safe for
// concurrent use.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request describes one chat completion.
type Request struct {
	// Model is the provider model name. Empty selects the client default.
	Model string

	// Messages is the full conversation, system prompt included.
	Messages []Message

	// Temperature is always sent; zero means deterministic sampling.
	Temperature float64

	// MaxTokens caps the completion length when positive.
	MaxTokens int
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed chat completion.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client is the provider-agnostic completion interface.
type Client interface {
	// Complete performs one chat completion. Transient provider failures
	// are retried a bounded number of times inside the implementation;
	// callers see only the final error.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Calls returns the number of Complete invocations since construction.
	// Used for measured per-search call accounting.
	Calls() int64
}
