package chunker

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/docgraph/pkg/common"

	"github.com/tmc/langchaingo/textsplitter"
)

type recursiveChunker struct {
	size    int
	overlap int
}

func (c *recursiveChunker) Chunk(ctx context.Context, doc common.Document) ([]Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
	)
	texts, err := splitter.SplitText(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("recursive split: %w", err)
	}
	return spansFromTexts(texts, StrategyRecursive), nil
}
