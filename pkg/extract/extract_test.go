package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/ai"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	answer string
	err    error
	system []string
	prompt string
}

func (f *fakeClient) GenerateCompletionWithFormat(_ context.Context, _, _, prompt string, out any, opts ...ai.GenerateOption) error {
	var o ai.GenerateOptions
	for _, opt := range opts {
		opt(&o)
	}
	f.system = o.SystemPrompts
	f.prompt = prompt
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.answer), out)
}

func (f *fakeClient) GenerateEmbedding(context.Context, []byte) ([]float32, error) { return nil, nil }
func (f *fakeClient) GenerateEmbeddings(context.Context, [][]byte) ([][]float32, error) {
	return nil, nil
}
func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

const aliceAnswer = `{
  "entities": [
    {"entity_name": "Alice", "entity_type": "PERSON", "entity_description": "An employee."},
    {"entity_name": "Acme", "entity_type": "ORGANIZATION", "entity_description": ""},
    {"entity_name": "  ", "entity_type": "PERSON"}
  ],
  "relationships": [
    {"source_entity": "Alice", "target_entity": "Acme", "relationship_type": "Works For", "relationship_description": "employment", "relationship_strength": 0.9},
    {"source_entity": "", "target_entity": "Acme", "relationship_type": "owns"}
  ]
}`

func TestLLMExtract(t *testing.T) {
	client := &fakeClient{answer: aliceAnswer}
	l, err := NewLLM(client, WithEntityTypes("PERSON", "ORGANIZATION"))
	require.NoError(t, err)

	ctx := WithDocumentName(context.Background(), "alice.txt")
	res, err := l.Extract(ctx, "Alice works for Acme.")
	require.NoError(t, err)

	require.Len(t, res.Entities, 2)
	assert.Equal(t, "Alice", res.Entities[0].Name)
	assert.Equal(t, "PERSON", res.Entities[0].Type)
	assert.NotEmpty(t, res.Entities[0].ID)
	assert.NotEqual(t, res.Entities[0].ID, res.Entities[1].ID)
	assert.True(t, res.Entities[0].Properties["description"].Equal(common.String("An employee.")))
	assert.Nil(t, res.Entities[1].Properties)

	require.Len(t, res.Relationships, 1)
	rel := res.Relationships[0]
	assert.Equal(t, "Alice", rel.SourceName)
	assert.Equal(t, "Acme", rel.TargetName)
	assert.Equal(t, "works_for", rel.Type)
	assert.False(t, rel.Resolved())
	assert.True(t, rel.Properties["strength"].Equal(common.Number(0.9)))

	assert.Equal(t, "Alice works for Acme.", client.prompt)
	require.Len(t, client.system, 1)
	assert.Contains(t, client.system[0], "[PERSON,ORGANIZATION]")
	assert.Contains(t, client.system[0], "[alice.txt]")
}

func TestLLMExtractWithoutDocumentName(t *testing.T) {
	client := &fakeClient{answer: `{"entities": [], "relationships": []}`}
	l, err := NewLLM(client)
	require.NoError(t, err)

	res, err := l.Extract(context.Background(), "nothing here")
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Contains(t, client.system[0], "[unknown]")
	assert.True(t, strings.Contains(client.system[0], strings.Join(DefaultEntityTypes, ",")))
}

func TestLLMExtractErrors(t *testing.T) {
	t.Run("malformed output", func(t *testing.T) {
		l, err := NewLLM(&fakeClient{err: ai.ErrMalformedOutput})
		require.NoError(t, err)
		_, err = l.Extract(context.Background(), "x")
		assert.ErrorIs(t, err, ErrModelParse)
		assert.ErrorIs(t, err, ai.ErrMalformedOutput)
	})

	t.Run("transport failure", func(t *testing.T) {
		boom := errors.New("connection refused")
		l, err := NewLLM(&fakeClient{err: boom})
		require.NoError(t, err)
		_, err = l.Extract(context.Background(), "x")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrModelParse)
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := NewLLM(nil)
		assert.Error(t, err)
	})
}

func TestNormaliseType(t *testing.T) {
	tests := map[string]string{
		"works_for":    "works_for",
		"Works For":    "works_for",
		"LOCATED-IN":   "located_in",
		"  founded  ":  "founded",
		"":             "related_to",
		"!!":           "related_to",
		"part of (v2)": "part_of_v2",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, normaliseType(in))
		})
	}
}

type scripted struct {
	errs  []error
	calls int
}

func (s *scripted) Extract(context.Context, string) (common.ExtractionResult, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return common.ExtractionResult{}, s.errs[s.calls-1]
	}
	return common.ExtractionResult{Entities: []common.Entity{{ID: "a", Name: "A"}}}, nil
}

func TestWithRetry(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		s := &scripted{errs: []error{errors.New("timeout")}}
		res, err := WithRetry(s, 2).Extract(context.Background(), "x")
		require.NoError(t, err)
		assert.Len(t, res.Entities, 1)
		assert.Equal(t, 2, s.calls)
	})

	t.Run("parse errors are not retried", func(t *testing.T) {
		s := &scripted{errs: []error{ErrModelParse, ErrModelParse}}
		_, err := WithRetry(s, 3).Extract(context.Background(), "x")
		assert.ErrorIs(t, err, ErrModelParse)
		assert.Equal(t, 1, s.calls)
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		s := &scripted{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
		_, err := WithRetry(s, 2).Extract(context.Background(), "x")
		assert.EqualError(t, err, "b")
		assert.Equal(t, 2, s.calls)
	})

	t.Run("single attempt returns extractor unchanged", func(t *testing.T) {
		s := &scripted{}
		assert.Same(t, Extractor(s), WithRetry(s, 0))
	})
}
