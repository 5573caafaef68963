package chunker

import (
	"context"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

type fixedChunker struct {
	size    int
	overlap int
}

func (c *fixedChunker) Chunk(ctx context.Context, doc common.Document) ([]Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return spansFromTexts(splitFixed(doc.Content, c.size, c.overlap), StrategyFixed), nil
}

// splitFixed cuts text into windows of size runes, each starting
// size-overlap runes after the previous one.
func splitFixed(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	if step <= 0 {
		step = size
	}
	out := make([]string, 0)
	for i := 0; i < len(runes); i += step {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
