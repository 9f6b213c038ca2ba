package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardConfig() core.LLMConfig {
	return core.LLMConfig{
		Timeout: core.Duration(time.Second),
		Breaker: core.BreakerConfig{
			MaxRequests:         1,
			Interval:            core.Duration(time.Minute),
			Timeout:             core.Duration(time.Minute),
			ConsecutiveFailures: 2,
		},
	}
}

func TestGuarded_PassThrough(t *testing.T) {
	fake := llmtest.NewProvider("hello")
	g := llm.NewGuarded(fake, guardConfig(), nil)

	out, err := g.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, 1, fake.Calls())
}

func TestGuarded_WrapsFailuresAndOpens(t *testing.T) {
	fake := &llmtest.Provider{Fail: true}
	g := llm.NewGuarded(fake, guardConfig(), nil)

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), "hi")
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
		assert.True(t, core.IsRetryable(err))
	}

	// Breaker is open: the provider is no longer called.
	_, err := g.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
	assert.Equal(t, 2, fake.Calls())
}

func TestApplyGenerateOptions(t *testing.T) {
	opts := llm.ApplyGenerateOptions(nil)
	assert.Equal(t, 0.7, opts.Temperature)
	assert.Equal(t, 1000, opts.MaxTokens)
	assert.False(t, opts.JSONResponse)

	opts = llm.ApplyGenerateOptions([]llm.GenerateOption{
		llm.WithTemperature(0.1),
		llm.WithMaxTokens(200),
		llm.WithJSONResponse(),
	})
	assert.Equal(t, 0.1, opts.Temperature)
	assert.Equal(t, 200, opts.MaxTokens)
	assert.True(t, opts.JSONResponse)
}
