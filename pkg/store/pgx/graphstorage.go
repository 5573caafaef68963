// Package pgx implements the graph store on PostgreSQL with pgvector.
//
// Nodes live in graph_nodes keyed by (label, node_id) and edges in graph_edges
// keyed by (edge_type, source, target). Property bags are JSONB and are merged
// with the || operator, which overwrites top level keys.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStore on a pgx connection or pool.
type GraphDBStorage struct {
	conn  pgxIConn
	pool  *pgxpool.Pool
	close func()
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithCloser registers a function run by Close, typically the pool's Close.
func WithCloser(fn func()) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.close = fn
	}
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage using an existing
// database connection. The schema must already be migrated.
func NewGraphDBStorageWithConnection(conn pgxIConn, opts ...GraphDBStorageOption) *GraphDBStorage {
	s := &GraphDBStorage{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Connect opens a pool with pgvector types registered and wraps it.
func Connect(ctx context.Context, databaseURL string) (*GraphDBStorage, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewGraphDBStorageWithConnection(pool, WithCloser(pool.Close))
	s.pool = pool
	return s, nil
}

// Pool returns the pool opened by Connect, or nil for storages built on an
// existing connection.
func (s *GraphDBStorage) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *GraphDBStorage) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *GraphDBStorage) Session(ctx context.Context) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{conn: s.conn}, nil
}

func (s *GraphDBStorage) GetNode(ctx context.Context, label, id string) (store.Node, error) {
	var (
		n       store.Node
		emb     *pgvector.Vector
		payload []byte
	)
	err := s.conn.QueryRow(ctx, `
		SELECT label, node_id, name, node_type, content, embedding, payload
		FROM graph_nodes WHERE label = $1 AND node_id = $2`, label, id,
	).Scan(&n.Label, &n.ID, &n.Name, &n.Type, &n.Content, &emb, &payload)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return store.Node{}, fmt.Errorf("%s %s: %w", label, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Node{}, fmt.Errorf("get node: %w", err)
	}
	if emb != nil {
		n.Embedding = emb.Slice()
	}
	if n.Properties, err = decodePayload(payload); err != nil {
		return store.Node{}, err
	}
	return n, nil
}

func (s *GraphDBStorage) ListEdges(ctx context.Context, edgeType string) ([]store.Edge, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT edge_type, source_label, source_node_id, target_label, target_node_id, payload
		FROM graph_edges WHERE $1 = '' OR edge_type = $1 ORDER BY seq`, edgeType)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	out := make([]store.Edge, 0)
	for rows.Next() {
		var (
			e       store.Edge
			payload []byte
		)
		if err := rows.Scan(&e.Type, &e.SourceLabel, &e.SourceID, &e.TargetLabel, &e.TargetID, &payload); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if e.Properties, err = decodePayload(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) Stats(ctx context.Context) (store.Stats, error) {
	st := store.EmptyStats()
	if err := s.countInto(ctx, "SELECT label, COUNT(*) FROM graph_nodes GROUP BY label", st.Nodes); err != nil {
		return st, err
	}
	if err := s.countInto(ctx, "SELECT edge_type, COUNT(*) FROM graph_edges GROUP BY edge_type", st.Edges); err != nil {
		return st, err
	}
	return st, nil
}

func (s *GraphDBStorage) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		into[key] = int(n)
	}
	return rows.Err()
}

// session serialises its writes; each one runs in its own transaction.
type session struct {
	conn   pgxIConn
	dbLock sync.Mutex
	closed bool
}

func (ss *session) write(ctx context.Context, fn func(tx pgxv5.Tx) error) error {
	ss.dbLock.Lock()
	defer ss.dbLock.Unlock()
	if ss.closed {
		return store.ErrSessionClosed
	}

	tx, err := ss.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const upsertNodeSQL = `
INSERT INTO graph_nodes (label, node_id, name, node_type, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (label, node_id)
DO UPDATE SET
  name = EXCLUDED.name,
  node_type = EXCLUDED.node_type,
  payload = graph_nodes.payload || EXCLUDED.payload,
  updated_at = NOW()`

func (ss *session) UpsertDocument(ctx context.Context, id string, props common.Properties) error {
	payload, err := encodePayload(props)
	if err != nil {
		return err
	}
	return ss.write(ctx, func(tx pgxv5.Tx) error {
		if _, err := tx.Exec(ctx, upsertNodeSQL, common.LabelDocument, id, "", "", payload); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		return nil
	})
}

func (ss *session) UpsertEntity(ctx context.Context, e common.Entity) error {
	payload, err := encodePayload(e.Properties)
	if err != nil {
		return err
	}
	return ss.write(ctx, func(tx pgxv5.Tx) error {
		if _, err := tx.Exec(ctx, upsertNodeSQL, common.LabelEntity, e.ID,
			util.SanitizePostgresText(e.Name), util.SanitizePostgresText(e.Type), payload); err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}
		return nil
	})
}

// upsertEdgeSQL only inserts when both endpoints exist; zero affected rows
// means an endpoint is missing.
const upsertEdgeSQL = `
INSERT INTO graph_edges (edge_type, source_label, source_node_id, target_label, target_node_id, payload)
SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::jsonb
WHERE EXISTS (SELECT 1 FROM graph_nodes WHERE label = $2 AND node_id = $3)
  AND EXISTS (SELECT 1 FROM graph_nodes WHERE label = $4 AND node_id = $5)
ON CONFLICT (edge_type, source_label, source_node_id, target_label, target_node_id)
DO UPDATE SET
  payload = graph_edges.payload || EXCLUDED.payload,
  updated_at = NOW()`

func upsertEdge(
	ctx context.Context,
	tx pgxv5.Tx,
	edgeType, sourceLabel, sourceID, targetLabel, targetID string,
	payload string,
) (bool, error) {
	tag, err := tx.Exec(ctx, upsertEdgeSQL, edgeType, sourceLabel, sourceID, targetLabel, targetID, payload)
	if err != nil {
		return false, fmt.Errorf("upsert %s edge: %w", edgeType, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (ss *session) UpsertRelationship(ctx context.Context, r common.Relationship) error {
	if err := store.ValidateRelationship(r); err != nil {
		return err
	}
	payload, err := encodePayload(r.Properties)
	if err != nil {
		return err
	}
	return ss.write(ctx, func(tx pgxv5.Tx) error {
		ok, err := upsertEdge(ctx, tx, r.Type,
			common.LabelEntity, r.SourceID, common.LabelEntity, r.TargetID, payload)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s -[%s]-> %s", store.ErrMissingEndpoint, r.SourceID, r.Type, r.TargetID)
		}
		return nil
	})
}

func (ss *session) CreateChunk(ctx context.Context, c common.TextChunk, entityIDs []string) (store.ChunkResult, error) {
	var res store.ChunkResult
	if err := store.ValidateChunk(c); err != nil {
		return res, err
	}
	payload, err := encodePayload(c.Metadata.Merge(common.Properties{
		"document_id": common.String(c.DocumentID),
		"index":       common.Number(float64(c.Index)),
	}))
	if err != nil {
		return res, err
	}
	var embedding any
	if c.Embedding != nil {
		embedding = pgvector.NewVector(c.Embedding)
	}

	err = ss.write(ctx, func(tx pgxv5.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO graph_nodes (label, node_id, content, embedding, payload)
			VALUES ($1, $2, $3, $4, $5::jsonb)`,
			common.LabelTextChunk, c.ID, util.SanitizePostgresText(c.Content), embedding, payload)
		if err != nil {
			return fmt.Errorf("create chunk: %w", err)
		}

		ok, err := upsertEdge(ctx, tx, common.EdgeHasChunk,
			common.LabelDocument, c.DocumentID, common.LabelTextChunk, c.ID, "{}")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: document %s", store.ErrMissingEndpoint, c.DocumentID)
		}

		for _, id := range store.DedupeStrings(entityIDs) {
			ok, err := upsertEdge(ctx, tx, common.EdgeContains,
				common.LabelTextChunk, c.ID, common.LabelEntity, id, "{}")
			if err != nil {
				return err
			}
			if !ok {
				res.SkippedMentions = append(res.SkippedMentions, id)
				continue
			}
			res.Mentions++
		}

		if c.PreviousID != "" {
			ok, err := upsertEdge(ctx, tx, common.EdgeNext,
				common.LabelTextChunk, c.PreviousID, common.LabelTextChunk, c.ID, "{}")
			if err != nil {
				return err
			}
			res.Linked = ok
		}
		return nil
	})
	if err != nil {
		return store.ChunkResult{}, err
	}
	return res, nil
}

func (ss *session) NodeExists(ctx context.Context, label, id string) (bool, error) {
	ss.dbLock.Lock()
	defer ss.dbLock.Unlock()
	if ss.closed {
		return false, store.ErrSessionClosed
	}
	var exists bool
	err := ss.conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM graph_nodes WHERE label = $1 AND node_id = $2)", label, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("node exists: %w", err)
	}
	return exists, nil
}

func (ss *session) Close() error {
	ss.dbLock.Lock()
	defer ss.dbLock.Unlock()
	ss.closed = true
	return nil
}

func encodePayload(p common.Properties) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(b), nil
}

func decodePayload(b []byte) (common.Properties, error) {
	p := common.Properties{}
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return p, nil
}

var (
	_ store.GraphStore = (*GraphDBStorage)(nil)
	_ store.Inspector  = (*GraphDBStorage)(nil)
)
