package queue

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"
)

// IngestMessage asks a worker to load one document.
type IngestMessage struct {
	ID       string            `json:"id,omitempty" validate:"omitempty,max=128"`
	Filename string            `json:"filename" validate:"required,max=1024"`
	Content  string            `json:"content" validate:"required"`
	Metadata common.Properties `json:"metadata,omitempty"`
}

func (m IngestMessage) Document() common.Document {
	return common.Document{
		ID:       m.ID,
		Filename: m.Filename,
		Content:  m.Content,
		Metadata: m.Metadata,
	}
}

func DecodeIngestMessage(body []byte) (IngestMessage, error) {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return IngestMessage{}, fmt.Errorf("decode ingest message: %w", err)
	}
	if msg.Content == "" {
		return IngestMessage{}, fmt.Errorf("ingest message %q has no content", msg.Filename)
	}
	return msg, nil
}

// LoadedEvent is published on TopicDocumentLoaded after a document was loaded.
type LoadedEvent struct {
	DocumentID    string `json:"document_id"`
	Filename      string `json:"filename"`
	Chunks        int    `json:"chunks"`
	Entities      int    `json:"entities"`
	Relationships int    `json:"relationships"`
	Dropped       int    `json:"dropped_relationships"`
}

func NewLoadedEvent(r pipeline.DocumentReport) LoadedEvent {
	return LoadedEvent{
		DocumentID:    r.DocumentID,
		Filename:      r.Filename,
		Chunks:        r.Load.Chunks,
		Entities:      r.Load.Entities,
		Relationships: r.Load.Relationships,
		Dropped:       len(r.Load.Dropped),
	}
}
