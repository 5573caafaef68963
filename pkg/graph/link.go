package graph

import (
	"fmt"

	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// LinkChunks turns the chunker's spans into TextChunks of documentID. Each
// chunk gets a fresh id and points at the chunk before it; order is taken
// from spans as given.
func LinkChunks(documentID string, spans []chunker.Span) ([]common.TextChunk, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is empty")
	}
	chunks := make([]common.TextChunk, len(spans))
	prev := ""
	for i, span := range spans {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID for chunk: %w", err)
		}
		chunks[i] = common.TextChunk{
			ID:         id,
			DocumentID: documentID,
			Index:      i,
			Content:    span.Text,
			PreviousID: prev,
			Metadata:   span.Metadata.Clone(),
		}
		prev = id
	}
	return chunks, nil
}
