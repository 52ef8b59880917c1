// Package llm abstracts the inference backend. The protocol core only
// needs {list models, complete, health check}; the concrete backend is
// selected at startup and never reloaded.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrModelNotFound is returned when the backend does not serve the
	// requested model.
	ErrModelNotFound = errors.New("llm: model not found")

	// ErrBackendUnavailable is returned when the backend cannot be reached
	// or reports unhealthy.
	ErrBackendUnavailable = errors.New("llm: backend unavailable")
)

// CompletionRequest carries everything a backend needs for one inference.
// Temperature is the decoded float value, not the wire fixed-point.
type CompletionRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    uint32
	Temperature  float64
}

// CompletionResult is the backend's answer with its own token accounting.
// Backends that do not report usage leave the counts at zero; the caller
// falls back to the token counter.
type CompletionResult struct {
	Content          string
	PromptTokens     uint32
	CompletionTokens uint32
}

// Backend is the pluggable inference capability.
type Backend interface {
	ListModels(ctx context.Context) ([]string, error)
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
	HealthCheck(ctx context.Context) error
}
