package chunker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

type semanticChunker struct {
	size      int
	threshold float64
	embedder  Embedder
}

// Chunk embeds every sentence and starts a new span where the similarity of
// neighbouring sentences drops below the threshold or the span would grow
// past size characters.
func (c *semanticChunker) Chunk(ctx context.Context, doc common.Document) ([]Span, error) {
	sentences := splitIntoSentences(doc.Content)
	if len(sentences) == 0 {
		return nil, nil
	}

	vecs, err := c.embedder.Embed(ctx, sentences)
	if err != nil {
		return nil, fmt.Errorf("embed sentences: %w", err)
	}
	if len(vecs) != len(sentences) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sentences", len(vecs), len(sentences))
	}

	var spans []Span
	start := 0
	length := utf8.RuneCountInString(sentences[0])
	flush := func(end int) {
		span := newSpan(strings.Join(sentences[start:end], " "), StrategySemantic, len(spans))
		span.Metadata["sentence_start"] = common.Number(float64(start))
		span.Metadata["sentence_end"] = common.Number(float64(end))
		spans = append(spans, span)
	}

	for i := 1; i < len(sentences); i++ {
		n := utf8.RuneCountInString(sentences[i])
		if cosine(vecs[i-1], vecs[i]) < c.threshold || length+1+n > c.size {
			flush(i)
			start = i
			length = n
			continue
		}
		length += 1 + n
	}
	flush(len(sentences))

	return spans, nil
}

// cosine returns the cosine similarity of a and b. Vectors without direction
// count as similar so that they never force a break.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
