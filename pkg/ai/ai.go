// Package ai abstracts the language model backends used for entity
// extraction and embeddings.
package ai

import (
	"context"
	"errors"
)

// DefaultTemperature keeps extraction close to deterministic.
const DefaultTemperature = 0.1

// ErrMalformedOutput marks model answers that could not be decoded into the
// requested structure.
var ErrMalformedOutput = errors.New("malformed model output")

// GenerateOptions holds the settings of one completion request.
type GenerateOptions struct {
	Model         string
	SystemPrompts []string
	Temperature   float64
}

type GenerateOption func(*GenerateOptions)

// NewGenerateOptions applies opts over the backend's model and
// DefaultTemperature.
func NewGenerateOptions(model string, opts ...GenerateOption) GenerateOptions {
	o := GenerateOptions{Model: model, Temperature: DefaultTemperature}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithModel overrides the backend's configured extraction model.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithSystemPrompts appends system messages sent before the user prompt.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = append(o.SystemPrompts, prompts...)
	}
}

// WithTemperature sets the sampling temperature. Negative values are ignored.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		if temp >= 0 {
			o.Temperature = temp
		}
	}
}

// ModelMetrics accumulates token usage and time spent in model calls.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// GraphAIClient defines the model operations the ingest pipeline needs:
// schema constrained completions for entity extraction and batched embeddings.
//
// GenerateCompletionWithFormat returns an error wrapping ErrMalformedOutput when
// the model answered but the answer could not be decoded into out. Any other
// error is a transport or API failure.
type GraphAIClient interface {
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error

	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}
