package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/docgraph/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

type tokenChunker struct {
	encoder   string
	maxTokens int
	overlap   int
}

// Chunk packs whole sentences into spans of at most maxTokens tokens. A
// sentence longer than the limit becomes a span of its own. Each new span
// repeats trailing sentences of the previous one as long as they fit into
// overlap tokens.
func (c *tokenChunker) Chunk(ctx context.Context, doc common.Document) ([]Span, error) {
	enc, err := tiktoken.GetEncoding(c.encoder)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", c.encoder, err)
	}

	sentences := splitIntoSentences(doc.Content)
	if len(sentences) == 0 {
		return nil, nil
	}

	countTokens := func(start, end int) int {
		return len(enc.Encode(strings.Join(sentences[start:end], " "), nil, nil))
	}

	var spans []Span
	flush := func(start, end int) {
		span := newSpan(strings.Join(sentences[start:end], " "), StrategyToken, len(spans))
		span.Metadata["sentence_start"] = common.Number(float64(start))
		span.Metadata["sentence_end"] = common.Number(float64(end))
		span.Metadata["tokens"] = common.Number(float64(countTokens(start, end)))
		spans = append(spans, span)
	}

	start := 0
	for i := 1; i < len(sentences); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if countTokens(start, i+1) <= c.maxTokens {
			continue
		}
		flush(start, i)

		next := i
		for c.overlap > 0 && next-1 > start && countTokens(next-1, i) <= c.overlap {
			next--
		}
		start = next
	}
	flush(start, len(sentences))

	return spans, nil
}
