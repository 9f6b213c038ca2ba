// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oceanbase/reflective-memory-go/pkg/llm"
)

// ErrScripted is returned by a Provider configured to fail.
var ErrScripted = errors.New("llmtest: scripted failure")

// Provider answers completions with a handler function.
type Provider struct {
	mu sync.Mutex

	// Handler produces the response for a conversation. When nil, Provider
	// echoes Response.
	Handler func(messages []llm.Message) (string, error)

	// Response is returned when Handler is nil.
	Response string

	// Fail makes every call return ErrScripted.
	Fail bool

	calls   int
	prompts []string
}

// NewProvider returns a Provider that always answers response.
func NewProvider(response string) *Provider {
	return &Provider{Response: response}
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return p.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages implements llm.Provider.
func (p *Provider) GenerateWithMessages(ctx context.Context, messages []llm.Message, _ ...llm.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.calls++
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	p.prompts = append(p.prompts, strings.Join(parts, "\n"))
	fail, handler, resp := p.Fail, p.Handler, p.Response
	p.mu.Unlock()

	if fail {
		return "", ErrScripted
	}
	if handler != nil {
		return handler(messages)
	}
	return resp, nil
}

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

// Calls returns the number of completions requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Prompts returns every conversation seen, flattened to text.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}
