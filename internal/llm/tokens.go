package llm

import (
	"context"
	"unicode/utf8"
)

// TokenCounter counts tokens of text under a given model's tokenizer. The
// concrete tokenizer library is pluggable; the estimator below is the
// default when none is wired.
type TokenCounter interface {
	CountTokens(ctx context.Context, model, text string) (uint32, error)
}

// EstimatingCounter approximates token counts from rune length. Most BPE
// vocabularies land near 4 characters per token for English text; a
// heuristic is enough here because executors prefer the backend's own
// usage numbers and only fall back to this.
type EstimatingCounter struct {
	RunesPerToken int
}

// NewEstimatingCounter returns the default 4-runes-per-token estimator.
func NewEstimatingCounter() *EstimatingCounter {
	return &EstimatingCounter{RunesPerToken: 4}
}

func (e *EstimatingCounter) CountTokens(_ context.Context, _ string, text string) (uint32, error) {
	if text == "" {
		return 0, nil
	}
	rpt := e.RunesPerToken
	if rpt <= 0 {
		rpt = 4
	}
	n := utf8.RuneCountInString(text)
	tokens := (n + rpt - 1) / rpt
	if tokens == 0 {
		tokens = 1
	}
	return uint32(tokens), nil
}

var _ TokenCounter = (*EstimatingCounter)(nil)
