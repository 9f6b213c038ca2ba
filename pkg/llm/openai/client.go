// Package openai implements llm.Provider on top of the OpenAI chat
// completions API. Any OpenAI-compatible endpoint (DashScope compatible
// mode, DeepSeek, Ollama's /v1 surface) is served by the same client with a
// different base URL.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Default endpoints and models of the OpenAI-compatible providers.
var providerDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai":   {BaseURL: "", Model: openai.GPT4oMini},
	"qwen":     {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-plus"},
	"deepseek": {BaseURL: "https://api.deepseek.com", Model: "deepseek-chat"},
	"ollama":   {BaseURL: "http://localhost:11434/v1", Model: "llama3.1"},
}

// Client is an OpenAI-compatible completion client.
type Client struct {
	client *openai.Client
	model  string
}

// Config is the configuration for an OpenAI-compatible provider.
// Provider selects the default BaseURL and Model ("openai" when empty).
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewClient creates a new completion client.
func NewClient(cfg *Config) (*Client, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	defaults, ok := providerDefaults[provider]
	if !ok {
		return nil, &core.ConfigurationError{Field: "llm.provider", Reason: fmt.Sprintf("%q is not OpenAI-compatible", cfg.Provider)}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		config.BaseURL = cfg.BaseURL
	case defaults.BaseURL != "":
		config.BaseURL = defaults.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaults.Model
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate generates text based on the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages generates text using message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}
	if options.JSONResponse {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", core.ErrLLMOperation)
	}
	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}
