// Package extract asks a language model for the entities and relationships
// mentioned in a piece of text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/ai"
	"github.com/OFFIS-RIT/docgraph/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrModelParse is returned when the model answered with output that does not
// decode into an extraction.
var ErrModelParse = errors.New("model output could not be parsed")

// Extractor extracts entities and relationships from chunk text. Relationships
// name their endpoints; ids are left for the resolver.
type Extractor interface {
	Extract(ctx context.Context, text string) (common.ExtractionResult, error)
}

// DefaultEntityTypes is used when no entity types are configured.
var DefaultEntityTypes = []string{"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT", "CREATIVE_WORK", "DATE", "PRODUCT", "EVENT"}

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity exactly as written in the text"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Description of the entity's attributes and activities stated in the text"`
}

type extractRelationship struct {
	SourceEntity            string  `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in the entity list"`
	TargetEntity            string  `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in the entity list"`
	RelationshipType        string  `json:"relationship_type" jsonschema_description:"Short snake_case verb phrase naming the relationship"`
	RelationshipDescription string  `json:"relationship_description" jsonschema_description:"How the source entity and the target entity are related"`
	RelationshipStrength    float64 `json:"relationship_strength" jsonschema_description:"A numeric score between 0 and 1 indicating the strength of the relationship"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text"`
}

type documentKey struct{}

// WithDocumentName attaches the name of the document being processed. The
// LLM extractor puts it into its prompt.
func WithDocumentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, documentKey{}, name)
}

func documentName(ctx context.Context) string {
	name, _ := ctx.Value(documentKey{}).(string)
	if name == "" {
		return "unknown"
	}
	return name
}

// LLM extracts through a GraphAIClient using a JSON schema constrained
// completion.
type LLM struct {
	client      ai.GraphAIClient
	entityTypes []string
	opts        []ai.GenerateOption
}

type Option func(*LLM)

func WithEntityTypes(types ...string) Option {
	return func(l *LLM) {
		if len(types) > 0 {
			l.entityTypes = types
		}
	}
}

func WithGenerateOptions(opts ...ai.GenerateOption) Option {
	return func(l *LLM) {
		l.opts = append(l.opts, opts...)
	}
}

func NewLLM(client ai.GraphAIClient, opts ...Option) (*LLM, error) {
	if client == nil {
		return nil, errors.New("ai client is nil")
	}
	l := &LLM{client: client, entityTypes: DefaultEntityTypes}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	return l, nil
}

func (l *LLM) Extract(ctx context.Context, text string) (common.ExtractionResult, error) {
	types := strings.Join(l.entityTypes, ",")
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, types, documentName(ctx), types)

	var res extractResponse
	opts := append([]ai.GenerateOption{ai.WithSystemPrompts(systemPrompt)}, l.opts...)
	err := l.client.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided text.",
		text,
		&res,
		opts...,
	)
	if errors.Is(err, ai.ErrMalformedOutput) {
		return common.ExtractionResult{}, fmt.Errorf("%w: %w", ErrModelParse, err)
	}
	if err != nil {
		return common.ExtractionResult{}, err
	}

	out := common.ExtractionResult{
		Entities:      make([]common.Entity, 0, len(res.Entities)),
		Relationships: make([]common.Relationship, 0, len(res.Relationships)),
	}
	for _, entity := range res.Entities {
		if strings.TrimSpace(entity.EntityName) == "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return common.ExtractionResult{}, fmt.Errorf("failed to generate ID for entity: %w", err)
		}
		e := common.Entity{
			ID:   id,
			Name: entity.EntityName,
			Type: entity.EntityType,
		}
		if entity.EntityDescription != "" {
			e.Properties = common.Properties{"description": common.String(entity.EntityDescription)}
		}
		out.Entities = append(out.Entities, e)
	}
	for _, rel := range res.Relationships {
		if rel.SourceEntity == "" || rel.TargetEntity == "" {
			continue
		}
		typ := normaliseType(rel.RelationshipType)
		props := common.Properties{"strength": common.Number(rel.RelationshipStrength)}
		if rel.RelationshipDescription != "" {
			props["description"] = common.String(rel.RelationshipDescription)
		}
		out.Relationships = append(out.Relationships, common.Relationship{
			SourceName: rel.SourceEntity,
			TargetName: rel.TargetEntity,
			Type:       typ,
			Properties: props,
		})
	}
	return out, nil
}

// normaliseType maps a free form relationship type to snake_case. An empty
// type becomes related_to.
func normaliseType(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return "related_to"
	}
	return strings.Join(fields, "_")
}

type retrying struct {
	Extractor
	maxTries int
}

// WithRetry retries failed Extract calls up to maxTries attempts in total.
// Parse errors and context errors are returned at once. maxTries <= 1 returns
// e unchanged.
func WithRetry(e Extractor, maxTries int) Extractor {
	if maxTries <= 1 {
		return e
	}
	return &retrying{Extractor: e, maxTries: maxTries}
}

func (r *retrying) Extract(ctx context.Context, text string) (common.ExtractionResult, error) {
	return util.RetryIfWithContext(ctx, r.maxTries, func(err error) bool {
		return !errors.Is(err, ErrModelParse)
	}, func(ctx context.Context) (common.ExtractionResult, error) {
		return r.Extractor.Extract(ctx, text)
	})
}
