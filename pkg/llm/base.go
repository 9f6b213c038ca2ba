// Package llm defines the text-completion collaborator used for query
// analysis, reranking, entity extraction and reflection generation.
//
// Completion is optional: every caller in the engine has a heuristic path
// for when no provider is configured or the provider is unavailable.
package llm

import "context"

// Provider defines the interface for completion providers.
type Provider interface {
	// Generate generates text from a single user prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages generates text from a conversation
	// (system, user and assistant messages).
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases provider resources.
	Close() error
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string `json:"role"`

	Content string `json:"content"`
}

// GenerateOptions contains options for text generation.
type GenerateOptions struct {
	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int

	// TopP controls nucleus sampling (0.0-1.0).
	TopP float64

	// Stop contains stop sequences.
	Stop []string

	// JSONResponse asks the provider for a JSON object when it supports a
	// response format switch. Output still goes through llmjson.
	JSONResponse bool
}

// GenerateOption configures a generation call.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the temperature.
//
// Example:
//
//	text, _ := provider.Generate(ctx, "Summarize", llm.WithTemperature(0.2))
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens in the response.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// WithStop sets stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Stop = stop
	}
}

// WithJSONResponse requests a JSON object response.
func WithJSONResponse() GenerateOption {
	return func(opts *GenerateOptions) {
		opts.JSONResponse = true
	}
}

// ApplyGenerateOptions resolves options over the defaults
// Temperature=0.7, MaxTokens=1000, TopP=1.0.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
