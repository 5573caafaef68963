// Package store defines the property graph persistence used by the loader.
//
// A GraphStore hands out Sessions. Every Session method is a single write in
// its own transaction; there is no atomicity across calls.
package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

var (
	// ErrMissingEndpoint is returned when an edge write references a node that
	// does not exist. Nothing is written in that case.
	ErrMissingEndpoint = errors.New("missing endpoint")
	// ErrNotFound is returned by inspection lookups for unknown nodes.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed is returned by writes on a released session.
	ErrSessionClosed = errors.New("session closed")
)

// GraphStore opens write sessions against a graph backend.
type GraphStore interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session is a scoped write handle. Writes on one session are serialised.
type Session interface {
	// UpsertDocument matches or creates the Document node and merge-sets props.
	UpsertDocument(ctx context.Context, id string, props common.Properties) error
	// UpsertEntity matches or creates the Entity node by id, overwrites name and
	// type and merge-sets the property bag.
	UpsertEntity(ctx context.Context, e common.Entity) error
	// UpsertRelationship matches or creates the edge keyed by
	// (SourceID, TargetID, Type). Both endpoint entities must exist, otherwise
	// ErrMissingEndpoint is returned.
	UpsertRelationship(ctx context.Context, r common.Relationship) error
	// CreateChunk creates the TextChunk node with its HAS_CHUNK edge, CONTAINS
	// edges to the entities among entityIDs that exist, and a NEXT edge from
	// the predecessor when that node exists. A missing Document node yields
	// ErrMissingEndpoint.
	CreateChunk(ctx context.Context, c common.TextChunk, entityIDs []string) (ChunkResult, error)
	NodeExists(ctx context.Context, label, id string) (bool, error)
	Close() error
}

// ChunkResult describes the structural edges written by CreateChunk.
type ChunkResult struct {
	Mentions        int
	SkippedMentions []string
	Linked          bool
}

// Node is a persisted node as seen by inspection.
type Node struct {
	Label      string
	ID         string
	Name       string
	Type       string
	Content    string
	Embedding  []float32
	Properties common.Properties
}

// Edge is a persisted edge as seen by inspection.
type Edge struct {
	Type        string
	SourceLabel string
	SourceID    string
	TargetLabel string
	TargetID    string
	Properties  common.Properties
}

// Stats counts nodes per label and edges per type.
type Stats struct {
	Nodes map[string]int
	Edges map[string]int
}

// Inspector is implemented by stores that can be read back, used by tests
// and dry runs.
type Inspector interface {
	GetNode(ctx context.Context, label, id string) (Node, error)
	ListEdges(ctx context.Context, edgeType string) ([]Edge, error)
	Stats(ctx context.Context) (Stats, error)
}
