// Package core provides the shared types, configuration and errors of the reflective memory engine.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested item, node, edge or snapshot was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCollaboratorUnavailable indicates that an external collaborator
	// (embedding, completion, vector index or store) could not be reached.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrConsistencyViolation indicates that stored data violates an engine invariant.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrRetrievalFailed indicates that every retrieval strategy failed for a query.
	ErrRetrievalFailed = errors.New("all retrieval strategies failed")

	// ErrLLMOperation indicates that a completion call returned unusable output.
	ErrLLMOperation = errors.New("llm operation failed")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Search",
//	    Err: ErrRetrievalFailed,
//	}
//	// Error() returns: "reflectmem: Search: all retrieval strategies failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "reflectmem: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("reflectmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Add", err)
//	}
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// ConfigurationError reports an invalid configuration field.
// It is fatal at load time and never substituted with a default.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidConfig).
func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// NotFoundError reports an unknown item, node, edge or snapshot.
// Callers must not retry it.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Unwrap allows errors.Is(err, ErrNotFound).
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for the given kind and identifier.
func NewNotFoundError(kind string, id interface{}) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// CollaboratorUnavailableError reports that an external collaborator failed or is
// short-circuited. Writes retry it with backoff; reads degrade around it.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Collaborator)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

// Is matches ErrCollaboratorUnavailable.
func (e *CollaboratorUnavailableError) Is(target error) bool {
	return target == ErrCollaboratorUnavailable
}

// Unwrap returns the underlying cause.
func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a CollaboratorUnavailableError for the named collaborator.
// Errors that already carry the type are returned unchanged.
func Unavailable(collaborator string, err error) error {
	if err == nil {
		return nil
	}
	var cu *CollaboratorUnavailableError
	if errors.As(err, &cu) {
		return err
	}
	return &CollaboratorUnavailableError{Collaborator: collaborator, Err: err}
}

// ConsistencyViolationError reports an invariant violation detected outside the
// path that maintains it, such as a second active edge for the same key.
// The engine logs and surfaces it and never repairs silently.
type ConsistencyViolationError struct {
	Invariant string
	Detail    string
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("consistency violation: %s: %s", e.Invariant, e.Detail)
}

// Unwrap allows errors.Is(err, ErrConsistencyViolation).
func (e *ConsistencyViolationError) Unwrap() error { return ErrConsistencyViolation }

// IsRetryable reports whether err is worth retrying with backoff.
// Only collaborator outages qualify; not-found, invalid input and
// consistency violations are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCollaboratorUnavailable)
}
