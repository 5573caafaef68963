// Package chunker splits document text into ordered spans.
package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

// Strategy names a splitting algorithm.
type Strategy string

const (
	// StrategyRecursive splits on paragraph, line and word boundaries until
	// spans fit Size characters.
	StrategyRecursive Strategy = "recursive"
	// StrategyFixed cuts windows of Size characters.
	StrategyFixed Strategy = "fixed"
	// StrategySemantic starts a new span where neighbouring sentences stop
	// being similar.
	StrategySemantic Strategy = "semantic"
	// StrategyToken packs whole sentences into spans of at most Size tokens.
	StrategyToken Strategy = "token"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRecursive, StrategyFixed, StrategySemantic, StrategyToken:
		return true
	}
	return false
}

// ParseStrategy parses a strategy name; empty means recursive.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyRecursive, nil
	}
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid chunk strategy %q", s)
	}
	return st, nil
}

// Span is one piece of text produced by a Chunker.
type Span struct {
	Text     string
	Metadata common.Properties
}

// Chunker splits a document into ordered spans.
type Chunker interface {
	Chunk(ctx context.Context, doc common.Document) ([]Span, error)
}

// Embedder is what the semantic strategy needs to compare sentences.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures New.
//
// Size is measured in characters for recursive, fixed and semantic, and in
// tokens for token. Overlap uses the same unit.
type Options struct {
	Strategy Strategy
	Size     int
	Overlap  int

	// Encoder is the tiktoken encoding used by the token strategy.
	Encoder string

	// Threshold is the cosine similarity below which the semantic strategy
	// starts a new span.
	Threshold float64
	Embedder  Embedder
}

const (
	defaultSize      = 1000
	defaultEncoder   = "o200k_base"
	defaultThreshold = 0.75
)

// New returns the Chunker for opts.Strategy.
func New(opts Options) (Chunker, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyRecursive
	}
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		return nil, fmt.Errorf("chunk overlap %d must be between 0 and size %d", opts.Overlap, opts.Size)
	}

	switch opts.Strategy {
	case StrategyRecursive:
		return &recursiveChunker{size: opts.Size, overlap: opts.Overlap}, nil
	case StrategyFixed:
		return &fixedChunker{size: opts.Size, overlap: opts.Overlap}, nil
	case StrategyToken:
		enc := opts.Encoder
		if enc == "" {
			enc = defaultEncoder
		}
		return &tokenChunker{encoder: enc, maxTokens: opts.Size, overlap: opts.Overlap}, nil
	case StrategySemantic:
		if opts.Embedder == nil {
			return nil, fmt.Errorf("semantic chunking needs an embedder")
		}
		threshold := opts.Threshold
		if threshold <= 0 {
			threshold = defaultThreshold
		}
		return &semanticChunker{size: opts.Size, threshold: threshold, embedder: opts.Embedder}, nil
	}
	return nil, fmt.Errorf("invalid chunk strategy %q", opts.Strategy)
}

func newSpan(text string, strategy Strategy, index int) Span {
	return Span{
		Text: text,
		Metadata: common.Properties{
			"strategy":   common.String(string(strategy)),
			"span_index": common.Number(float64(index)),
		},
	}
}

func spansFromTexts(texts []string, strategy Strategy) []Span {
	spans := make([]Span, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		spans = append(spans, newSpan(t, strategy, len(spans)))
	}
	return spans
}
