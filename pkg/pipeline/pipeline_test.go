package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/embed"
	"github.com/OFFIS-RIT/docgraph/pkg/extract"
	"github.com/OFFIS-RIT/docgraph/pkg/graph"
	"github.com/OFFIS-RIT/docgraph/pkg/identity"
	"github.com/OFFIS-RIT/docgraph/pkg/source"
	"github.com/OFFIS-RIT/docgraph/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	docs []common.Document
	errs map[int]error
}

func (s sliceSource) Documents(context.Context) (iter.Seq2[common.Document, error], error) {
	if len(s.docs) == 0 {
		return nil, source.ErrSourceEmpty
	}
	return func(yield func(common.Document, error) bool) {
		for i, d := range s.docs {
			if err, ok := s.errs[i]; ok {
				if !yield(common.Document{}, err) {
					return
				}
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}, nil
}

// paragraphChunker yields one span per blank line separated paragraph.
type paragraphChunker struct{}

func (paragraphChunker) Chunk(_ context.Context, doc common.Document) ([]chunker.Span, error) {
	var spans []chunker.Span
	for _, p := range strings.Split(doc.Content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			spans = append(spans, chunker.Span{Text: p})
		}
	}
	return spans, nil
}

// tableExtractor answers by chunk text. Unknown texts yield nothing.
type tableExtractor map[string]func() (common.ExtractionResult, error)

func (t tableExtractor) Extract(_ context.Context, text string) (common.ExtractionResult, error) {
	if fn, ok := t[text]; ok {
		return fn()
	}
	return common.ExtractionResult{}, nil
}

func aliceResult() (common.ExtractionResult, error) {
	return common.ExtractionResult{
		Entities: []common.Entity{
			{Name: "Alice", Type: "Person"},
			{Name: "Acme", Type: "Organization"},
		},
		Relationships: []common.Relationship{
			{SourceName: "Alice", TargetName: "Acme", Type: "works_for"},
		},
	}, nil
}

func failWith(err error) func() (common.ExtractionResult, error) {
	return func() (common.ExtractionResult, error) { return common.ExtractionResult{}, err }
}

func newPipeline(t *testing.T, s *memory.Store, ex extract.Extractor, mod func(*Params)) *Pipeline {
	t.Helper()
	emb, err := embed.NewZero(4)
	require.NoError(t, err)
	params := Params{
		Store:     s,
		Chunker:   paragraphChunker{},
		Embedder:  emb,
		Extractor: ex,
		Policies:  DefaultPolicies(),
	}
	if mod != nil {
		mod(&params)
	}
	p, err := New(params)
	require.NoError(t, err)
	return p
}

func edges(t *testing.T, s *memory.Store, typ string) int {
	t.Helper()
	e, err := s.ListEdges(context.Background(), typ)
	require.NoError(t, err)
	return len(e)
}

func TestRunAliceWorksForAcme(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{"Alice works for Acme.": aliceResult}, nil)

	report, err := p.Run(context.Background(), sliceSource{docs: []common.Document{
		{ID: "d1", Filename: "d1.txt", Content: "Alice works for Acme."},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"d1"}, s.NodeIDs(common.LabelDocument))
	assert.Len(t, s.NodeIDs(common.LabelEntity), 2)
	chunks := s.NodeIDs(common.LabelTextChunk)
	require.Len(t, chunks, 1)

	works, err := s.ListEdges(context.Background(), "works_for")
	require.NoError(t, err)
	require.Len(t, works, 1)
	alice, err := s.GetNode(context.Background(), common.LabelEntity, works[0].SourceID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.Name)
	acme, err := s.GetNode(context.Background(), common.LabelEntity, works[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", acme.Name)

	assert.Equal(t, 1, edges(t, s, common.EdgeHasChunk))
	assert.Equal(t, 2, edges(t, s, common.EdgeContains))
	assert.Equal(t, 0, edges(t, s, common.EdgeNext))

	chunk, err := s.GetNode(context.Background(), common.LabelTextChunk, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, "Alice works for Acme.", chunk.Content)
	assert.Equal(t, []float32{0, 0, 0, 0}, chunk.Embedding)

	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, 1, report.Relationships)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 0, s.OpenSessions())
}

func TestRunTwoChunksAreLinked(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{"Alice works for Acme.": aliceResult}, nil)

	_, err := p.Run(context.Background(), sliceSource{docs: []common.Document{
		{ID: "d1", Content: "Alice works for Acme.\n\nShe likes it there."},
	}})
	require.NoError(t, err)

	next, err := s.ListEdges(context.Background(), common.EdgeNext)
	require.NoError(t, err)
	require.Len(t, next, 1)
	first, err := s.GetNode(context.Background(), common.LabelTextChunk, next[0].SourceID)
	require.NoError(t, err)
	second, err := s.GetNode(context.Background(), common.LabelTextChunk, next[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, "Alice works for Acme.", first.Content)
	assert.Equal(t, "She likes it there.", second.Content)
	assert.Equal(t, 2, edges(t, s, common.EdgeHasChunk))
	assert.Equal(t, 2, edges(t, s, common.EdgeContains))
}

func TestRunGeneratesDocumentIDs(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{}, nil)

	_, err := p.Run(context.Background(), sliceSource{docs: []common.Document{
		{Filename: "a.txt", Content: "one"},
		{Filename: "b.txt", Content: "two"},
	}})
	require.NoError(t, err)
	ids := s.NodeIDs(common.LabelDocument)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestRunSourceEmpty(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{}, nil)

	_, err := p.Run(context.Background(), sliceSource{})
	assert.ErrorIs(t, err, source.ErrSourceEmpty)
	assert.Equal(t, KindSourceEmpty, KindOf(err))
	assert.Equal(t, 0, s.OpenSessions())
}

func TestRunExtractionFailurePolicy(t *testing.T) {
	docs := sliceSource{docs: []common.Document{
		{ID: "bad", Content: "broken"},
		{ID: "good", Content: "Alice works for Acme."},
	}}
	ex := tableExtractor{
		"broken":                failWith(errors.New("model unavailable")),
		"Alice works for Acme.": aliceResult,
	}

	t.Run("continue", func(t *testing.T) {
		s := memory.New()
		p := newPipeline(t, s, ex, nil)

		report, err := p.Run(context.Background(), docs)
		require.NoError(t, err)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, "bad", report.Failed[0].DocumentID)
		assert.Equal(t, KindExtraction, report.Failed[0].Kind)
		assert.Equal(t, StateEmbedded, report.Failed[0].Stage)
		assert.Equal(t, 1, report.Loaded)
		assert.Equal(t, []string{"good"}, s.NodeIDs(common.LabelDocument))
	})

	t.Run("stop", func(t *testing.T) {
		s := memory.New()
		p := newPipeline(t, s, ex, func(p *Params) { p.Policies.ContinueOnExtractError = false })

		report, err := p.Run(context.Background(), docs)
		var derr *DocumentError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, KindExtraction, derr.Kind)
		assert.Equal(t, 0, report.Loaded)
		assert.Empty(t, s.NodeIDs(common.LabelDocument))
		assert.Equal(t, 0, s.OpenSessions())
	})
}

func TestRunReadErrorSkipsDocument(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{}, nil)

	report, err := p.Run(context.Background(), sliceSource{
		docs: []common.Document{{ID: "x"}, {ID: "d2", Content: "ok"}},
		errs: map[int]error{0: &source.ReadError{Path: "/in/x.txt", Err: errors.New("permission denied")}},
	})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "/in/x.txt", report.Failed[0].Filename)
	assert.Equal(t, StateExtracted, report.Failed[0].Stage)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Loaded)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service down")
}
func (failingEmbedder) Dimension() int { return 4 }

func TestRunEmbeddingFailure(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{}, func(p *Params) { p.Embedder = failingEmbedder{} })

	report, err := p.Run(context.Background(), sliceSource{docs: []common.Document{{ID: "d1", Content: "text"}}})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, KindEmbedding, report.Failed[0].Kind)
	assert.Equal(t, StateChunked, report.Failed[0].Stage)
}

func TestRunModelParsePolicy(t *testing.T) {
	docs := sliceSource{docs: []common.Document{{ID: "d1", Content: "garbled"}}}
	ex := tableExtractor{"garbled": failWith(fmt.Errorf("%w: unexpected token", extract.ErrModelParse))}

	t.Run("empty", func(t *testing.T) {
		s := memory.New()
		p := newPipeline(t, s, ex, nil)

		report, err := p.Run(context.Background(), docs)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Loaded)
		assert.Equal(t, 1, report.ParseFailures)
		assert.Empty(t, s.NodeIDs(common.LabelEntity))
		assert.Len(t, s.NodeIDs(common.LabelTextChunk), 1)
	})

	t.Run("fail", func(t *testing.T) {
		s := memory.New()
		p := newPipeline(t, s, ex, func(p *Params) { p.Policies.ModelParse = ModelParseFail })

		report, err := p.Run(context.Background(), docs)
		require.NoError(t, err)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, KindModelParse, report.Failed[0].Kind)
		assert.ErrorIs(t, report.Failed[0], extract.ErrModelParse)
	})
}

func TestRunLoadFailurePolicy(t *testing.T) {
	docs := sliceSource{docs: []common.Document{
		{ID: "d1", Content: "Alice works for Acme."},
		{ID: "d2", Content: "other"},
	}}
	failing := func() *memory.Store {
		return memory.New(memory.WithFailures(func(op, key string) error {
			if op == "UpsertDocument" && key == "d1" {
				return errors.New("connection reset")
			}
			return nil
		}))
	}
	ex := tableExtractor{"Alice works for Acme.": aliceResult}

	t.Run("abort", func(t *testing.T) {
		s := failing()
		p := newPipeline(t, s, ex, nil)

		report, err := p.Run(context.Background(), docs)
		require.Error(t, err)
		assert.Equal(t, KindStoreWrite, KindOf(err))
		var lerr *graph.LoadError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, "d1", lerr.DocumentID)
		assert.Equal(t, StateEntitiesExtracted, report.Failed[0].Stage)
		assert.Equal(t, 0, s.OpenSessions())
		assert.NotContains(t, s.NodeIDs(common.LabelDocument), "d2")
	})

	t.Run("continue", func(t *testing.T) {
		s := failing()
		p := newPipeline(t, s, ex, func(p *Params) { p.Policies.AbortOnLoadError = false })

		report, err := p.Run(context.Background(), docs)
		require.NoError(t, err)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, KindStoreWrite, report.Failed[0].Kind)
		assert.Equal(t, []string{"d2"}, s.NodeIDs(common.LabelDocument))
		assert.Equal(t, 0, s.OpenSessions())
	})
}

func TestRunConcurrentWorkersWithGlobalIdentity(t *testing.T) {
	s := memory.New()
	var docs []common.Document
	for i := range 12 {
		docs = append(docs, common.Document{ID: fmt.Sprintf("d%02d", i), Content: "Alice works for Acme."})
	}
	p := newPipeline(t, s, tableExtractor{"Alice works for Acme.": aliceResult}, func(p *Params) {
		p.Workers = 4
		p.IdentityScope = identity.ScopeGlobal
	})

	report, err := p.Run(context.Background(), sliceSource{docs: docs})
	require.NoError(t, err)
	assert.Equal(t, 12, report.Loaded)
	assert.Len(t, s.NodeIDs(common.LabelDocument), 12)
	assert.Len(t, s.NodeIDs(common.LabelEntity), 2)
	assert.Equal(t, 1, edges(t, s, "works_for"))
	assert.Equal(t, 24, edges(t, s, common.EdgeContains))
}

func TestRunHooks(t *testing.T) {
	var mu sync.Mutex
	stages := map[State]int{}
	outcomes := map[string]int{}
	writes := 0
	dropped := 0
	hooks := Hooks{
		Stage: func(st State, _ time.Duration) {
			mu.Lock()
			stages[st]++
			mu.Unlock()
		},
		Document: func(o string) {
			mu.Lock()
			outcomes[o]++
			mu.Unlock()
		},
		Write: func(string, error) {
			mu.Lock()
			writes++
			mu.Unlock()
		},
		Dropped: func(n int) {
			mu.Lock()
			dropped += n
			mu.Unlock()
		},
	}
	ex := tableExtractor{
		"Alice works for Acme.": func() (common.ExtractionResult, error) {
			res, _ := aliceResult()
			res.Relationships = append(res.Relationships, common.Relationship{SourceName: "Alice", TargetName: "Bob", Type: "knows"})
			return res, nil
		},
		"broken": failWith(errors.New("boom")),
	}
	s := memory.New()
	p := newPipeline(t, s, ex, func(p *Params) { p.Hooks = hooks })

	report, err := p.Run(context.Background(), sliceSource{docs: []common.Document{
		{ID: "d1", Content: "Alice works for Acme."},
		{ID: "d2", Content: "broken"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, map[string]int{OutcomeLoaded: 1, OutcomeSkipped: 1}, outcomes)
	assert.Equal(t, 1, stages[StateLoaded])
	assert.Equal(t, 2, stages[StateChunked])
	// document, two entities, one relationship, one chunk
	assert.Equal(t, 5, writes)
}

func TestProcess(t *testing.T) {
	s := memory.New()
	p := newPipeline(t, s, tableExtractor{"Alice works for Acme.": aliceResult}, nil)

	res, err := p.Process(context.Background(), common.Document{ID: "d1", Content: "Alice works for Acme."})
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, res.State)
	assert.Equal(t, 2, res.Load.Entities)
	assert.Equal(t, 0, s.OpenSessions())
}

func TestNewValidation(t *testing.T) {
	emb, err := embed.NewZero(4)
	require.NoError(t, err)
	base := Params{Store: memory.New(), Chunker: paragraphChunker{}, Embedder: emb, Extractor: tableExtractor{}}

	_, err = New(Params{})
	assert.Error(t, err)

	bad := base
	bad.IdentityScope = "galaxy"
	_, err = New(bad)
	assert.Error(t, err)

	bad = base
	bad.Policies.ModelParse = "retry"
	_, err = New(bad)
	assert.Error(t, err)

	p, err := New(base)
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Kind(""), KindOf(errors.New("x")))
	assert.Equal(t, KindEmbedding, KindOf(&DocumentError{Kind: KindEmbedding}))
	assert.Equal(t, KindModelParse, KindOf(fmt.Errorf("wrap: %w", extract.ErrModelParse)))
	assert.Equal(t, KindStoreWrite, KindOf(&graph.LoadError{DocumentID: "d"}))
}
