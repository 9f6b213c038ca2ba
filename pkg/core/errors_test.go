package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "ErrNotFound", err: core.ErrNotFound, expected: "not found"},
		{name: "ErrInvalidConfig", err: core.ErrInvalidConfig, expected: "invalid configuration"},
		{name: "ErrCollaboratorUnavailable", err: core.ErrCollaboratorUnavailable, expected: "collaborator unavailable"},
		{name: "ErrConsistencyViolation", err: core.ErrConsistencyViolation, expected: "consistency violation"},
		{name: "ErrRetrievalFailed", err: core.ErrRetrievalFailed, expected: "all retrieval strategies failed"},
		{name: "ErrLLMOperation", err: core.ErrLLMOperation, expected: "llm operation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestMemoryError(t *testing.T) {
	originalErr := errors.New("original error")
	memErr := core.NewMemoryError("Search", originalErr)

	assert.EqualError(t, memErr, "reflectmem: Search: original error")
	assert.Equal(t, originalErr, errors.Unwrap(memErr))

	var target *core.MemoryError
	if assert.True(t, errors.As(memErr, &target)) {
		assert.Equal(t, "Search", target.Op)
	}

	assert.NoError(t, core.NewMemoryError("Search", nil))
}

func TestTypedErrors(t *testing.T) {
	nf := core.NewMemoryError("Get", core.NewNotFoundError("memory", 42))
	assert.True(t, errors.Is(nf, core.ErrNotFound))
	assert.Contains(t, nf.Error(), "memory 42 not found")
	assert.False(t, core.IsRetryable(nf))

	cfg := &core.ConfigurationError{Field: "scoring", Reason: "weights must sum to 1"}
	assert.True(t, errors.Is(cfg, core.ErrInvalidConfig))

	cv := &core.ConsistencyViolationError{Invariant: "single active edge", Detail: "mem:1 -> mem:2"}
	assert.True(t, errors.Is(cv, core.ErrConsistencyViolation))
	assert.False(t, core.IsRetryable(cv))
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := core.Unavailable("embedder", cause)

	assert.True(t, errors.Is(err, core.ErrCollaboratorUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, core.IsRetryable(fmt.Errorf("embed: %w", err)))
	assert.EqualError(t, err, "embedder unavailable: connection refused")

	// Already-typed errors keep their original collaborator.
	assert.Same(t, err, core.Unavailable("llm", err))
	assert.NoError(t, core.Unavailable("llm", nil))
}
