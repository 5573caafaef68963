// Package embed turns chunk text into fixed size vectors.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/ai"
)

// Embedder returns one vector per input text. Every vector has Dimension()
// elements.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ErrDimension is returned when a backend answers with vectors of the wrong
// size.
var ErrDimension = errors.New("embedding dimension mismatch")

// AIEmbedder embeds through a GraphAIClient.
type AIEmbedder struct {
	client    ai.GraphAIClient
	dimension int
}

func NewAIEmbedder(client ai.GraphAIClient, dimension int) (*AIEmbedder, error) {
	if client == nil {
		return nil, errors.New("ai client is nil")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	return &AIEmbedder{client: client, dimension: dimension}, nil
}

func (e *AIEmbedder) Dimension() int { return e.dimension }

func (e *AIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	inputs := make([][]byte, len(texts))
	for i, t := range texts {
		inputs[i] = []byte(t)
	}
	vecs, err := e.client.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("%w: vector %d has %d elements, want %d", ErrDimension, i, len(v), e.dimension)
		}
	}
	return vecs, nil
}

// Zero returns the zero vector for every text. It stands in for a model when
// only the graph structure matters.
type Zero struct {
	dim int
}

func NewZero(dimension int) (*Zero, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	return &Zero{dim: dimension}, nil
}

func (z *Zero) Dimension() int { return z.dim }

func (z *Zero) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, z.dim)
	}
	return out, nil
}

type retrying struct {
	Embedder
	maxTries int
}

// WithRetry retries failed Embed calls up to maxTries attempts in total.
// Dimension mismatches and context errors are returned at once. maxTries <= 1
// returns e unchanged.
func WithRetry(e Embedder, maxTries int) Embedder {
	if maxTries <= 1 {
		return e
	}
	return &retrying{Embedder: e, maxTries: maxTries}
}

func (r *retrying) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return util.RetryIfWithContext(ctx, r.maxTries, func(err error) bool {
		return !errors.Is(err, ErrDimension)
	}, func(ctx context.Context) ([][]float32, error) {
		return r.Embedder.Embed(ctx, texts)
	})
}
