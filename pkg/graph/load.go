package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
)

// Write groups, in the order Load runs them.
const (
	GroupDocument      = "document"
	GroupEntities      = "entities"
	GroupRelationships = "relationships"
	GroupChunks        = "chunks"
)

var groups = []string{GroupDocument, GroupEntities, GroupRelationships, GroupChunks}

// DocumentGraph is everything derived from one document. Extractions[i]
// belongs to Chunks[i] and must already be resolved.
type DocumentGraph struct {
	Document    common.Document
	Chunks      []common.TextChunk
	Extractions []common.ExtractionResult
}

// DroppedRelationship is a relationship that was not written because an
// endpoint is unresolved or missing from the store.
type DroppedRelationship struct {
	Relationship common.Relationship
	Err          error
}

// LoadReport summarises one Load call.
type LoadReport struct {
	DocumentID    string
	Entities      int
	Relationships int
	Chunks        int
	Mentions      int
	NextEdges     int
	Dropped       []DroppedRelationship
	Failures      []*WriteError
}

// Locker serialises work on a key across processes.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// WriteObserver is called after every store write with the op and its result.
type WriteObserver func(op string, err error)

// Loader writes documents through one store session.
//
// A Loader must be closed to release its session.
type Loader struct {
	session  store.Session
	locker   Locker
	observer WriteObserver

	closeOnce sync.Once
	closeErr  error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLocker wraps each Load in a lease on the document id.
func WithLocker(l Locker) LoaderOption {
	return func(ld *Loader) {
		ld.locker = l
	}
}

// WithWriteObserver reports every store write to fn.
func WithWriteObserver(fn WriteObserver) LoaderOption {
	return func(ld *Loader) {
		ld.observer = fn
	}
}

// NewLoader acquires a session from gs.
func NewLoader(ctx context.Context, gs store.GraphStore, opts ...LoaderOption) (*Loader, error) {
	if gs == nil {
		return nil, errors.New("graph store is nil")
	}
	session, err := gs.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	l := &Loader{session: session}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	return l, nil
}

// Close releases the session. It is safe to call more than once.
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.session.Close()
	})
	return l.closeErr
}

// Load writes g in four groups: the document node, entity nodes,
// relationship edges, then chunk nodes with their structural edges. Each
// write is its own transaction. Failures inside a group are collected and the
// group is finished; later groups are skipped. The returned error is a
// *LoadError when any write failed.
func (l *Loader) Load(ctx context.Context, g DocumentGraph) (LoadReport, error) {
	if l.locker == nil {
		return l.load(ctx, g)
	}
	var (
		report LoadReport
		err    error
	)
	lockErr := l.locker.WithLease(ctx, "document:"+g.Document.ID, func(ctx context.Context) error {
		report, err = l.load(ctx, g)
		return nil
	})
	if lockErr != nil {
		return report, fmt.Errorf("lease document %s: %w", g.Document.ID, lockErr)
	}
	return report, err
}

func (l *Loader) load(ctx context.Context, g DocumentGraph) (LoadReport, error) {
	report := LoadReport{DocumentID: g.Document.ID}
	if g.Document.ID == "" {
		return report, errors.New("document id is empty")
	}
	if len(g.Extractions) != 0 && len(g.Extractions) != len(g.Chunks) {
		return report, fmt.Errorf("document %s: %d extractions for %d chunks",
			g.Document.ID, len(g.Extractions), len(g.Chunks))
	}

	steps := map[string]func(context.Context, DocumentGraph, *LoadReport){
		GroupDocument:      l.writeDocument,
		GroupEntities:      l.writeEntities,
		GroupRelationships: l.writeRelationships,
		GroupChunks:        l.writeChunks,
	}
	for i, group := range groups {
		steps[group](ctx, g, &report)
		if len(report.Failures) > 0 {
			lerr := &LoadError{
				DocumentID: g.Document.ID,
				Failures:   report.Failures,
				Skipped:    groups[i+1:],
			}
			logger.Error("[Loader] Aborting document load", "document_id", g.Document.ID,
				"group", group, "failures", len(report.Failures), "skipped", lerr.Skipped)
			return report, lerr
		}
	}

	logger.Debug("[Loader] Loaded document", "document_id", g.Document.ID,
		"entities", report.Entities, "relationships", report.Relationships,
		"chunks", report.Chunks, "dropped", len(report.Dropped))
	return report, nil
}

func (l *Loader) record(report *LoadReport, op, key string, err error) {
	if l.observer != nil {
		l.observer(op, err)
	}
	if err == nil {
		return
	}
	logger.Error("[Loader] Write failed", "document_id", report.DocumentID, "op", op, "key", key, "err", err)
	report.Failures = append(report.Failures, &WriteError{Op: op, Key: key, Err: err})
}

func (l *Loader) writeDocument(ctx context.Context, g DocumentGraph, report *LoadReport) {
	props := g.Document.Metadata.Merge(common.Properties{
		"filename": common.String(g.Document.Filename),
	})
	err := l.session.UpsertDocument(ctx, g.Document.ID, props)
	l.record(report, OpUpsertDocument, g.Document.ID, err)
}

// distinctEntities folds entities sharing an id into one write. The first
// occurrence keeps its position; later ones overwrite name, type and
// properties key by key.
func distinctEntities(extractions []common.ExtractionResult) []common.Entity {
	index := make(map[string]int)
	var out []common.Entity
	for _, res := range extractions {
		for _, e := range res.Entities {
			if e.ID == "" {
				continue
			}
			i, ok := index[e.ID]
			if !ok {
				index[e.ID] = len(out)
				e.Properties = e.Properties.Clone()
				out = append(out, e)
				continue
			}
			prev := out[i]
			prev.Name = e.Name
			prev.Type = e.Type
			prev.Properties = prev.Properties.Merge(e.Properties)
			out[i] = prev
		}
	}
	return out
}

func (l *Loader) writeEntities(ctx context.Context, g DocumentGraph, report *LoadReport) {
	for _, e := range distinctEntities(g.Extractions) {
		err := l.session.UpsertEntity(ctx, e)
		l.record(report, OpUpsertEntity, e.ID, err)
		if err == nil {
			report.Entities++
		}
	}
}

// writeRelationships counts distinct (source, type, target) edges, not writes.
func (l *Loader) writeRelationships(ctx context.Context, g DocumentGraph, report *LoadReport) {
	written := make(map[string]bool)
	for _, res := range g.Extractions {
		for _, r := range res.Relationships {
			if !r.Resolved() {
				l.drop(report, r, fmt.Errorf("%w: unresolved %q -> %q", store.ErrMissingEndpoint, r.SourceName, r.TargetName))
				continue
			}
			err := l.session.UpsertRelationship(ctx, r)
			if errors.Is(err, store.ErrMissingEndpoint) {
				if l.observer != nil {
					l.observer(OpUpsertRelationship, err)
				}
				l.drop(report, r, err)
				continue
			}
			key := r.SourceID + "-" + r.Type + "->" + r.TargetID
			l.record(report, OpUpsertRelationship, key, err)
			if err == nil && !written[key] {
				written[key] = true
				report.Relationships++
			}
		}
	}
}

func (l *Loader) drop(report *LoadReport, r common.Relationship, err error) {
	logger.Warn("[Loader] Dropping relationship", "document_id", report.DocumentID,
		"source", r.SourceName, "target", r.TargetName, "type", r.Type, "err", err)
	report.Dropped = append(report.Dropped, DroppedRelationship{Relationship: r, Err: err})
}

func (l *Loader) writeChunks(ctx context.Context, g DocumentGraph, report *LoadReport) {
	for i, c := range g.Chunks {
		var entityIDs []string
		if i < len(g.Extractions) {
			for _, e := range g.Extractions[i].Entities {
				entityIDs = append(entityIDs, e.ID)
			}
		}
		res, err := l.session.CreateChunk(ctx, c, entityIDs)
		l.record(report, OpCreateChunk, c.ID, err)
		if err != nil {
			continue
		}
		report.Chunks++
		report.Mentions += res.Mentions
		if res.Linked {
			report.NextEdges++
		}
		if len(res.SkippedMentions) > 0 {
			logger.Debug("[Loader] Skipped mentions of missing entities", "chunk_id", c.ID, "entities", res.SkippedMentions)
		}
	}
}
