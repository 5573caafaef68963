package graph

import (
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

func TestLinkChunks(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7} {
		spans := make([]chunker.Span, n)
		for i := range spans {
			spans[i] = chunker.Span{
				Text:     string(rune('a' + i)),
				Metadata: common.Properties{"span_index": common.Number(float64(i))},
			}
		}

		chunks, err := LinkChunks("d1", spans)
		if err != nil {
			t.Fatalf("LinkChunks() error = %v", err)
		}
		if len(chunks) != n {
			t.Fatalf("LinkChunks() returned %d chunks, want %d", len(chunks), n)
		}

		seen := map[string]bool{}
		for i, c := range chunks {
			if c.ID == "" || seen[c.ID] {
				t.Errorf("chunk %d has empty or duplicate id %q", i, c.ID)
			}
			seen[c.ID] = true
			if c.DocumentID != "d1" {
				t.Errorf("chunk %d document id = %q, want d1", i, c.DocumentID)
			}
			if c.Index != i || c.Content != spans[i].Text {
				t.Errorf("chunk %d = %#v, out of order", i, c)
			}
			if c.Embedding != nil {
				t.Errorf("chunk %d has an embedding before embedding ran", i)
			}
			want := ""
			if i > 0 {
				want = chunks[i-1].ID
			}
			if c.PreviousID != want {
				t.Errorf("chunk %d previous = %q, want %q", i, c.PreviousID, want)
			}
		}
	}
}

func TestLinkChunksNeedsDocument(t *testing.T) {
	if _, err := LinkChunks("", []chunker.Span{{Text: "x"}}); err == nil {
		t.Errorf("LinkChunks() expected error for empty document id")
	}
}
