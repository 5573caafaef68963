// Package memory is an in-process GraphStore used for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
)

type nodeKey struct {
	label string
	id    string
}

type edgeKey struct {
	typ    string
	source nodeKey
	target nodeKey
}

// FailFunc lets tests inject write failures. op is the session method name and
// key the id of the written object.
type FailFunc func(op, key string) error

// Store keeps nodes and edges in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	nodes map[nodeKey]store.Node
	edges map[edgeKey]store.Edge
	order []edgeKey

	fail     FailFunc
	sessions int
}

type Option func(*Store)

// WithFailures installs a write failure hook.
func WithFailures(fn FailFunc) Option {
	return func(s *Store) {
		s.fail = fn
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[nodeKey]store.Node),
		edges: make(map[edgeKey]store.Edge),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

func (s *Store) Session(ctx context.Context) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return &session{store: s}, nil
}

func (s *Store) Close() error { return nil }

// OpenSessions returns the number of sessions not yet closed.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Store) GetNode(_ context.Context, label, id string) (store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeKey{label, id}]
	if !ok {
		return store.Node{}, fmt.Errorf("%s %s: %w", label, id, store.ErrNotFound)
	}
	n.Properties = n.Properties.Clone()
	return n, nil
}

// ListEdges returns edges of the given type in creation order. An empty type
// lists all edges.
func (s *Store) ListEdges(_ context.Context, edgeType string) ([]store.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Edge, 0)
	for _, k := range s.order {
		if edgeType != "" && k.typ != edgeType {
			continue
		}
		e := s.edges[k]
		e.Properties = e.Properties.Clone()
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := store.EmptyStats()
	for k := range s.nodes {
		st.Nodes[k.label]++
	}
	for k := range s.edges {
		st.Edges[k.typ]++
	}
	return st, nil
}

// NodeIDs returns the sorted ids of all nodes with the label.
func (s *Store) NodeIDs(label string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for k := range s.nodes {
		if k.label == label {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) injected(op, key string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op, key)
}

func (s *Store) putEdge(k edgeKey, props common.Properties) bool {
	if e, ok := s.edges[k]; ok {
		e.Properties = e.Properties.Merge(props)
		s.edges[k] = e
		return false
	}
	s.edges[k] = store.Edge{
		Type:        k.typ,
		SourceLabel: k.source.label,
		SourceID:    k.source.id,
		TargetLabel: k.target.label,
		TargetID:    k.target.id,
		Properties:  props.Clone(),
	}
	s.order = append(s.order, k)
	return true
}

type session struct {
	store  *Store
	closed bool
}

func (ss *session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ss.closed {
		return store.ErrSessionClosed
	}
	return nil
}

func (ss *session) UpsertDocument(ctx context.Context, id string, props common.Properties) error {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ss.begin(ctx); err != nil {
		return err
	}
	if err := s.injected("UpsertDocument", id); err != nil {
		return err
	}
	k := nodeKey{common.LabelDocument, id}
	n, ok := s.nodes[k]
	if !ok {
		n = store.Node{Label: common.LabelDocument, ID: id}
	}
	n.Properties = n.Properties.Merge(props)
	s.nodes[k] = n
	return nil
}

func (ss *session) UpsertEntity(ctx context.Context, e common.Entity) error {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ss.begin(ctx); err != nil {
		return err
	}
	if err := s.injected("UpsertEntity", e.ID); err != nil {
		return err
	}
	k := nodeKey{common.LabelEntity, e.ID}
	n, ok := s.nodes[k]
	if !ok {
		n = store.Node{Label: common.LabelEntity, ID: e.ID}
	}
	n.Name = e.Name
	n.Type = e.Type
	n.Properties = n.Properties.Merge(e.Properties)
	s.nodes[k] = n
	return nil
}

func (ss *session) UpsertRelationship(ctx context.Context, r common.Relationship) error {
	if err := store.ValidateRelationship(r); err != nil {
		return err
	}
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ss.begin(ctx); err != nil {
		return err
	}
	if err := s.injected("UpsertRelationship", r.SourceID+"|"+r.TargetID+"|"+r.Type); err != nil {
		return err
	}
	src := nodeKey{common.LabelEntity, r.SourceID}
	tgt := nodeKey{common.LabelEntity, r.TargetID}
	if _, ok := s.nodes[src]; !ok {
		return fmt.Errorf("%w: source entity %s", store.ErrMissingEndpoint, r.SourceID)
	}
	if _, ok := s.nodes[tgt]; !ok {
		return fmt.Errorf("%w: target entity %s", store.ErrMissingEndpoint, r.TargetID)
	}
	s.putEdge(edgeKey{typ: r.Type, source: src, target: tgt}, r.Properties)
	return nil
}

func (ss *session) CreateChunk(ctx context.Context, c common.TextChunk, entityIDs []string) (store.ChunkResult, error) {
	var res store.ChunkResult
	if err := store.ValidateChunk(c); err != nil {
		return res, err
	}
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ss.begin(ctx); err != nil {
		return res, err
	}
	if err := s.injected("CreateChunk", c.ID); err != nil {
		return res, err
	}
	doc := nodeKey{common.LabelDocument, c.DocumentID}
	if _, ok := s.nodes[doc]; !ok {
		return res, fmt.Errorf("%w: document %s", store.ErrMissingEndpoint, c.DocumentID)
	}
	k := nodeKey{common.LabelTextChunk, c.ID}
	if _, ok := s.nodes[k]; ok {
		return res, fmt.Errorf("chunk %s already exists", c.ID)
	}

	props := c.Metadata.Merge(common.Properties{
		"document_id": common.String(c.DocumentID),
		"index":       common.Number(float64(c.Index)),
	})
	s.nodes[k] = store.Node{
		Label:      common.LabelTextChunk,
		ID:         c.ID,
		Content:    c.Content,
		Embedding:  append([]float32(nil), c.Embedding...),
		Properties: props,
	}
	s.putEdge(edgeKey{typ: common.EdgeHasChunk, source: doc, target: k}, nil)

	for _, id := range store.DedupeStrings(entityIDs) {
		ent := nodeKey{common.LabelEntity, id}
		if _, ok := s.nodes[ent]; !ok {
			res.SkippedMentions = append(res.SkippedMentions, id)
			continue
		}
		s.putEdge(edgeKey{typ: common.EdgeContains, source: k, target: ent}, nil)
		res.Mentions++
	}

	if c.PreviousID != "" {
		prev := nodeKey{common.LabelTextChunk, c.PreviousID}
		if _, ok := s.nodes[prev]; ok {
			s.putEdge(edgeKey{typ: common.EdgeNext, source: prev, target: k}, nil)
			res.Linked = true
		}
	}
	return res, nil
}

func (ss *session) NodeExists(ctx context.Context, label, id string) (bool, error) {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ss.begin(ctx); err != nil {
		return false, err
	}
	_, ok := s.nodes[nodeKey{label, id}]
	return ok, nil
}

func (ss *session) Close() error {
	s := ss.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	s.sessions--
	return nil
}

var (
	_ store.GraphStore = (*Store)(nil)
	_ store.Inspector  = (*Store)(nil)
)
