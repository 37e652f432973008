package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/treeline-ai/treeline/pkg/config"
)

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client       oai.Client
	defaultModel string
	calls        atomic.Int64
}

// openaiConfig holds optional construction settings.
type openaiConfig struct {
	baseURL    string
	maxRetries int
	timeout    time.Duration
}

// OpenAIOption is a functional option for OpenAIClient.
type OpenAIOption func(*openaiConfig)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) {
		c.baseURL = url
	}
}

// WithMaxRetries sets the bounded retry count for transient failures.
func WithMaxRetries(n int) OpenAIOption {
	return func(c *openaiConfig) {
		c.maxRetries = n
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) {
		c.timeout = d
	}
}

// NewOpenAIClient constructs a client for an OpenAI-compatible API.
func NewOpenAIClient(apiKey, defaultModel string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if defaultModel == "" {
		return nil, fmt.Errorf("llm: defaultModel must not be empty")
	}

	cfg := &openaiConfig{maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &OpenAIClient{
		client:       oai.NewClient(reqOpts...),
		defaultModel: defaultModel,
	}, nil
}

// NewClientFromConfig builds the process client from resolved configuration,
// reading the API key and optional base URL from the configured environment
// variables.
func NewClientFromConfig(cfg *config.LLMConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("llm: environment variable %s is not set", cfg.APIKeyEnv)
	}

	opts := []OpenAIOption{
		WithMaxRetries(cfg.MaxRetries),
		WithTimeout(cfg.RequestTimeout),
	}
	if baseURL := os.Getenv(cfg.BaseURLEnv); baseURL != "" {
		opts = append(opts, WithBaseURL(baseURL))
	}

	return NewOpenAIClient(apiKey, cfg.PolicyModel, opts...)
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	c.calls.Add(1)

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    buildMessages(req.Messages),
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: %w", ErrEmptyResponse)
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Calls implements Client.
func (c *OpenAIClient) Calls() int64 {
	return c.calls.Load()
}

// buildMessages converts conversation messages into OpenAI SDK params.
func buildMessages(messages []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = oai.String(m.Content)
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}
