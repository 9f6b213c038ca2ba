// Package openai implements embedder.Provider with the OpenAI embeddings API
// or any compatible endpoint (DashScope compatible mode, Ollama /v1).
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	openai "github.com/sashabaranov/go-openai"
)

var providerDefaults = map[string]struct {
	BaseURL    string
	Model      string
	Dimensions int
}{
	"openai": {Model: string(openai.SmallEmbedding3), Dimensions: 1536},
	"qwen":   {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "text-embedding-v3", Dimensions: 1024},
	"ollama": {BaseURL: "http://localhost:11434/v1", Model: "nomic-embed-text", Dimensions: 768},
}

// Client is an OpenAI-compatible embedding client.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// Config is the configuration for an OpenAI-compatible embedder.
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewClient creates a new embedding client.
func NewClient(cfg *Config) (*Client, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	defaults, ok := providerDefaults[provider]
	if !ok {
		return nil, &core.ConfigurationError{Field: "embedder.provider", Reason: fmt.Sprintf("%q is not OpenAI-compatible", cfg.Provider)}
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
	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = defaults.Dimensions
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}, nil
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch converts multiple texts to vectors in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d results, expected %d", len(resp.Data), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for i, data := range resp.Data {
		idx := data.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		vec := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float64(v)
		}
		embeddings[idx] = vec
	}
	return embeddings, nil
}

// Dimensions returns the vector dimensions.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
