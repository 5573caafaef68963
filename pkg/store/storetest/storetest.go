// Package storetest is a conformance suite every GraphStore backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend is a store that can also be read back.
type Backend interface {
	store.GraphStore
	store.Inspector
}

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) Backend

// Run executes the suite against the backend returned by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"DocumentUpsertIsIdempotent", testDocumentUpsert},
		{"EntityUpsertMergesProperties", testEntityUpsert},
		{"RelationshipUpsertIsKeyedByEndpointsAndType", testRelationshipUpsert},
		{"RelationshipMissingEndpoint", testRelationshipMissingEndpoint},
		{"ChunkStructuralEdges", testChunkEdges},
		{"ChunkRequiresDocument", testChunkRequiresDocument},
		{"ChunkIsPlainCreate", testChunkPlainCreate},
		{"ClosedSessionRejectsWrites", testClosedSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newStore(t)
			tt.fn(t, b)
		})
	}
}

func openSession(t *testing.T, b Backend) store.Session {
	t.Helper()
	s, err := b.Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDocumentUpsert(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertDocument(ctx, "d1", common.Properties{
		"filename": common.String("a.txt"),
		"lang":     common.String("en"),
	}))
	require.NoError(t, s.UpsertDocument(ctx, "d1", common.Properties{
		"filename": common.String("b.txt"),
	}))

	n, err := b.GetNode(ctx, common.LabelDocument, "d1")
	require.NoError(t, err)
	assert.Equal(t, common.String("b.txt"), n.Properties["filename"])
	assert.Equal(t, common.String("en"), n.Properties["lang"])

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Nodes[common.LabelDocument])

	ok, err := s.NodeExists(ctx, common.LabelDocument, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.NodeExists(ctx, common.LabelEntity, "d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testEntityUpsert(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertEntity(ctx, common.Entity{
		ID:   "e1",
		Name: "Alice",
		Type: "Person",
		Properties: common.Properties{
			"description": common.String("an engineer"),
			"age":         common.Number(41),
		},
	}))
	require.NoError(t, s.UpsertEntity(ctx, common.Entity{
		ID:   "e1",
		Name: "Alice Smith",
		Type: "Person",
		Properties: common.Properties{
			"age": common.Null(),
		},
	}))

	n, err := b.GetNode(ctx, common.LabelEntity, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", n.Name)
	assert.Equal(t, "Person", n.Type)
	assert.Equal(t, common.String("an engineer"), n.Properties["description"])
	v, ok := n.Properties["age"]
	assert.True(t, ok)
	assert.True(t, v.IsNull())

	_, err = b.GetNode(ctx, common.LabelEntity, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testRelationshipUpsert(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertEntity(ctx, common.Entity{ID: "a", Name: "Alice", Type: "Person"}))
	require.NoError(t, s.UpsertEntity(ctx, common.Entity{ID: "c", Name: "Acme", Type: "Organization"}))

	rel := common.Relationship{
		SourceName: "Alice", TargetName: "Acme",
		SourceID: "a", TargetID: "c",
		Type:       "works_for",
		Properties: common.Properties{"since": common.Number(2020), "note": common.String("x")},
	}
	require.NoError(t, s.UpsertRelationship(ctx, rel))
	rel.Properties = common.Properties{"since": common.Number(2021)}
	require.NoError(t, s.UpsertRelationship(ctx, rel))

	edges, err := b.ListEdges(ctx, "works_for")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "a", edges[0].SourceID)
	assert.Equal(t, "c", edges[0].TargetID)
	assert.Equal(t, common.LabelEntity, edges[0].SourceLabel)
	assert.Equal(t, common.Number(2021), edges[0].Properties["since"])
	assert.Equal(t, common.String("x"), edges[0].Properties["note"])

	rel.Type = "invests_in"
	require.NoError(t, s.UpsertRelationship(ctx, rel))
	all, err := b.ListEdges(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testRelationshipMissingEndpoint(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertEntity(ctx, common.Entity{ID: "a", Name: "Alice", Type: "Person"}))
	err := s.UpsertRelationship(ctx, common.Relationship{
		SourceName: "Alice", TargetName: "Ghost",
		SourceID: "a", TargetID: "never-written",
		Type: "knows",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrMissingEndpoint))

	err = s.UpsertRelationship(ctx, common.Relationship{SourceName: "Alice", TargetName: "Bob", Type: "knows"})
	assert.True(t, errors.Is(err, store.ErrMissingEndpoint))

	edges, err := b.ListEdges(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, edges)
	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Nodes[common.LabelEntity])
}

func testChunkEdges(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertDocument(ctx, "d1", common.Properties{"filename": common.String("a.txt")}))
	require.NoError(t, s.UpsertEntity(ctx, common.Entity{ID: "a", Name: "Alice", Type: "Person"}))
	require.NoError(t, s.UpsertEntity(ctx, common.Entity{ID: "c", Name: "Acme", Type: "Organization"}))

	res, err := s.CreateChunk(ctx, common.TextChunk{
		ID: "c1", DocumentID: "d1", Index: 0,
		Content:   "Alice works for Acme.",
		Embedding: []float32{0.25, 0.5, 1},
	}, []string{"a", "c", "a", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Mentions)
	assert.Equal(t, []string{"ghost"}, res.SkippedMentions)
	assert.False(t, res.Linked)

	res, err = s.CreateChunk(ctx, common.TextChunk{
		ID: "c2", DocumentID: "d1", Index: 1, Content: "She likes it.", PreviousID: "c1",
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Linked)

	res, err = s.CreateChunk(ctx, common.TextChunk{
		ID: "c3", DocumentID: "d1", Index: 2, Content: "Orphan.", PreviousID: "not-there",
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Linked)

	n, err := b.GetNode(ctx, common.LabelTextChunk, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Alice works for Acme.", n.Content)
	assert.Equal(t, []float32{0.25, 0.5, 1}, n.Embedding)
	assert.Equal(t, common.String("d1"), n.Properties["document_id"])

	hasChunk, err := b.ListEdges(ctx, common.EdgeHasChunk)
	require.NoError(t, err)
	require.Len(t, hasChunk, 3)
	assert.Equal(t, common.LabelDocument, hasChunk[0].SourceLabel)
	assert.Equal(t, "d1", hasChunk[0].SourceID)
	assert.Equal(t, "c1", hasChunk[0].TargetID)

	contains, err := b.ListEdges(ctx, common.EdgeContains)
	require.NoError(t, err)
	assert.Len(t, contains, 2)

	next, err := b.ListEdges(ctx, common.EdgeNext)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "c1", next[0].SourceID)
	assert.Equal(t, "c2", next[0].TargetID)
}

func testChunkRequiresDocument(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	_, err := s.CreateChunk(ctx, common.TextChunk{ID: "c1", DocumentID: "nope", Content: "x"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrMissingEndpoint))

	ok, err := s.NodeExists(ctx, common.LabelTextChunk, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CreateChunk(ctx, common.TextChunk{ID: "c1", Content: "x"}, nil)
	assert.Error(t, err)
}

func testChunkPlainCreate(t *testing.T, b Backend) {
	ctx := context.Background()
	s := openSession(t, b)

	require.NoError(t, s.UpsertDocument(ctx, "d1", nil))
	_, err := s.CreateChunk(ctx, common.TextChunk{ID: "c1", DocumentID: "d1", Content: "x"}, nil)
	require.NoError(t, err)
	_, err = s.CreateChunk(ctx, common.TextChunk{ID: "c1", DocumentID: "d1", Content: "y"}, nil)
	assert.Error(t, err)

	n, err := b.GetNode(ctx, common.LabelTextChunk, "c1")
	require.NoError(t, err)
	assert.Equal(t, "x", n.Content)
}

func testClosedSession(t *testing.T, b Backend) {
	ctx := context.Background()
	s, err := b.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.UpsertDocument(ctx, "d1", nil)
	assert.True(t, errors.Is(err, store.ErrSessionClosed))
}
