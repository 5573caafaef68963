package common

// Node labels and structural edge types of the persisted graph.
const (
	LabelDocument  = "Document"
	LabelEntity    = "Entity"
	LabelTextChunk = "TextChunk"

	EdgeHasChunk = "HAS_CHUNK"
	EdgeContains = "CONTAINS"
	EdgeNext     = "NEXT"
)

// Document is one input file. It is created once per file and not modified
// afterwards; chunks refer back to it by ID.
type Document struct {
	ID       string     `json:"id"`
	Filename string     `json:"filename"`
	Content  string     `json:"content"`
	Metadata Properties `json:"metadata,omitempty"`
}

// TextChunk is a contiguous span of a document's text. It is the unit of
// embedding and entity extraction.
//
// PreviousID points at the chunk that precedes this one in document order and
// is empty for the first chunk. Embedding is nil until the embedding step ran.
type TextChunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Index      int        `json:"index"`
	Content    string     `json:"content"`
	Embedding  []float32  `json:"embedding,omitempty"`
	PreviousID string     `json:"previous_id,omitempty"`
	Metadata   Properties `json:"metadata,omitempty"`
}

// Entity is a node extracted from chunk text, for example a person or an
// organization. Name and Type are stored as first class fields, everything
// else lives in Properties.
type Entity struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties,omitempty"`
}

// Relationship is a typed, directed edge between two entities.
//
// The extractor addresses endpoints by name. SourceID and TargetID stay empty
// until the names were resolved against the entities of the same extraction.
type Relationship struct {
	SourceName string     `json:"source_name"`
	TargetName string     `json:"target_name"`
	SourceID   string     `json:"source_id,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties,omitempty"`
}

// Resolved reports whether both endpoints carry an entity id.
func (r Relationship) Resolved() bool {
	return r.SourceID != "" && r.TargetID != ""
}

// ExtractionResult is the batch of entities and relationships extracted from
// one chunk. Relationships only reference entities of the same result.
type ExtractionResult struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Empty reports whether the result holds neither entities nor relationships.
func (r ExtractionResult) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relationships) == 0
}
