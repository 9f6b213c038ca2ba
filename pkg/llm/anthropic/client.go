// Package anthropic implements llm.Provider with the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
)

const defaultModel = "claude-3-5-sonnet-20240620"

// Client is an Anthropic completion client.
// System messages are lifted into the request's system prompt.
type Client struct {
	client anthropic.Client
	model  string
}

// Config is the configuration for the Anthropic provider.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new Anthropic client. APIKey is required.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &core.ConfigurationError{Field: "llm.api_key", Reason: "required for anthropic"}
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client: anthropic.NewClient(opts...),
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

	var system []anthropic.TextBlockParam
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case llm.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if options.JSONResponse && len(params) > 0 {
		system = append(system, anthropic.TextBlockParam{Text: "Respond with a single JSON object and nothing else."})
	}

	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(options.MaxTokens),
		Messages:    params,
		System:      system,
		Temperature: anthropic.Float(options.Temperature),
	}
	if len(options.Stop) > 0 {
		req.StopSequences = options.Stop
	}

	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty response", core.ErrLLMOperation)
	}
	return sb.String(), nil
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
