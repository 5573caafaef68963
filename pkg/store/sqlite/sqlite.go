// Package sqlite implements the graph store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
	"github.com/OFFIS-RIT/docgraph/pkg/store/sqlite/migrations"
)

// Store is a GraphStore backed by a single SQLite file.
type Store struct {
	db   *sql.DB
	path string

	// SQLite allows one writer at a time.
	writeLock sync.Mutex
}

// New opens (and creates if needed) the database at path and applies pending
// migrations.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		logger.Debug("[Store] Applied sqlite migration", "name", name)
	}
	return nil
}

func (s *Store) Session(ctx context.Context) (store.Session, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &session{store: s}, nil
}

func (s *Store) GetNode(ctx context.Context, label, id string) (store.Node, error) {
	var (
		n     store.Node
		emb   []byte
		props string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT label, id, name, node_type, content, embedding, properties
		FROM nodes WHERE label = ? AND id = ?`, label, id,
	).Scan(&n.Label, &n.ID, &n.Name, &n.Type, &n.Content, &emb, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, fmt.Errorf("%s %s: %w", label, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Embedding = bytesToFloat32Slice(emb)
	if n.Properties, err = decodeProperties(props); err != nil {
		return store.Node{}, err
	}
	return n, nil
}

func (s *Store) ListEdges(ctx context.Context, edgeType string) ([]store.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_type, source_label, source_id, target_label, target_id, properties
		FROM edges WHERE ? = '' OR edge_type = ? ORDER BY rowid`, edgeType, edgeType)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	out := make([]store.Edge, 0)
	for rows.Next() {
		var (
			e     store.Edge
			props string
		)
		if err := rows.Scan(&e.Type, &e.SourceLabel, &e.SourceID, &e.TargetLabel, &e.TargetID, &props); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if e.Properties, err = decodeProperties(props); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	st := store.EmptyStats()
	if err := countInto(ctx, s.db, "SELECT label, COUNT(*) FROM nodes GROUP BY label", st.Nodes); err != nil {
		return st, err
	}
	if err := countInto(ctx, s.db, "SELECT edge_type, COUNT(*) FROM edges GROUP BY edge_type", st.Edges); err != nil {
		return st, err
	}
	return st, nil
}

func countInto(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

type session struct {
	store *Store

	mu     sync.Mutex
	closed bool
}

// write runs fn in its own transaction while holding the session and store locks.
func (ss *session) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return store.ErrSessionClosed
	}

	ss.store.writeLock.Lock()
	defer ss.store.writeLock.Unlock()

	tx, err := ss.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (ss *session) UpsertDocument(ctx context.Context, id string, props common.Properties) error {
	return ss.write(ctx, func(tx *sql.Tx) error {
		merged, err := mergeNodeProperties(ctx, tx, common.LabelDocument, id, props)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (label, id, properties) VALUES (?, ?, ?)
			ON CONFLICT (label, id) DO UPDATE SET
				properties = excluded.properties,
				updated_at = CURRENT_TIMESTAMP`,
			common.LabelDocument, id, merged)
		if err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		return nil
	})
}

func (ss *session) UpsertEntity(ctx context.Context, e common.Entity) error {
	return ss.write(ctx, func(tx *sql.Tx) error {
		merged, err := mergeNodeProperties(ctx, tx, common.LabelEntity, e.ID, e.Properties)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (label, id, name, node_type, properties) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (label, id) DO UPDATE SET
				name = excluded.name,
				node_type = excluded.node_type,
				properties = excluded.properties,
				updated_at = CURRENT_TIMESTAMP`,
			common.LabelEntity, e.ID, e.Name, e.Type, merged)
		if err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}
		return nil
	})
}

func (ss *session) UpsertRelationship(ctx context.Context, r common.Relationship) error {
	if err := store.ValidateRelationship(r); err != nil {
		return err
	}
	return ss.write(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{r.SourceID, r.TargetID} {
			ok, err := nodeExists(ctx, tx, common.LabelEntity, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: entity %s", store.ErrMissingEndpoint, id)
			}
		}
		return upsertEdge(ctx, tx, r.Type,
			common.LabelEntity, r.SourceID, common.LabelEntity, r.TargetID, r.Properties)
	})
}

func (ss *session) CreateChunk(ctx context.Context, c common.TextChunk, entityIDs []string) (store.ChunkResult, error) {
	var res store.ChunkResult
	if err := store.ValidateChunk(c); err != nil {
		return res, err
	}
	err := ss.write(ctx, func(tx *sql.Tx) error {
		ok, err := nodeExists(ctx, tx, common.LabelDocument, c.DocumentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: document %s", store.ErrMissingEndpoint, c.DocumentID)
		}

		props, err := encodeProperties(c.Metadata.Merge(common.Properties{
			"document_id": common.String(c.DocumentID),
			"index":       common.Number(float64(c.Index)),
		}))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (label, id, content, embedding, properties) VALUES (?, ?, ?, ?, ?)`,
			common.LabelTextChunk, c.ID, c.Content, float32SliceToBytes(c.Embedding), props)
		if err != nil {
			return fmt.Errorf("create chunk: %w", err)
		}
		if err := upsertEdge(ctx, tx, common.EdgeHasChunk,
			common.LabelDocument, c.DocumentID, common.LabelTextChunk, c.ID, nil); err != nil {
			return err
		}

		for _, id := range store.DedupeStrings(entityIDs) {
			ok, err := nodeExists(ctx, tx, common.LabelEntity, id)
			if err != nil {
				return err
			}
			if !ok {
				res.SkippedMentions = append(res.SkippedMentions, id)
				continue
			}
			if err := upsertEdge(ctx, tx, common.EdgeContains,
				common.LabelTextChunk, c.ID, common.LabelEntity, id, nil); err != nil {
				return err
			}
			res.Mentions++
		}

		if c.PreviousID != "" {
			ok, err := nodeExists(ctx, tx, common.LabelTextChunk, c.PreviousID)
			if err != nil {
				return err
			}
			if ok {
				if err := upsertEdge(ctx, tx, common.EdgeNext,
					common.LabelTextChunk, c.PreviousID, common.LabelTextChunk, c.ID, nil); err != nil {
					return err
				}
				res.Linked = true
			}
		}
		return nil
	})
	if err != nil {
		return store.ChunkResult{}, err
	}
	return res, nil
}

func (ss *session) NodeExists(ctx context.Context, label, id string) (bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return false, store.ErrSessionClosed
	}
	return nodeExists(ctx, ss.store.db, label, id)
}

func (ss *session) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nodeExists(ctx context.Context, q queryer, label, id string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM nodes WHERE label = ? AND id = ?)", label, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("node exists: %w", err)
	}
	return exists, nil
}

// mergeNodeProperties reads the stored bag and returns it overwritten by update.
func mergeNodeProperties(ctx context.Context, tx *sql.Tx, label, id string, update common.Properties) (string, error) {
	var current string
	err := tx.QueryRowContext(ctx,
		"SELECT properties FROM nodes WHERE label = ? AND id = ?", label, id,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read properties: %w", err)
	}
	existing, err := decodeProperties(current)
	if err != nil {
		return "", err
	}
	return encodeProperties(existing.Merge(update))
}

func upsertEdge(
	ctx context.Context,
	tx *sql.Tx,
	edgeType, sourceLabel, sourceID, targetLabel, targetID string,
	update common.Properties,
) error {
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT properties FROM edges
		WHERE edge_type = ? AND source_label = ? AND source_id = ? AND target_label = ? AND target_id = ?`,
		edgeType, sourceLabel, sourceID, targetLabel, targetID,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read edge: %w", err)
	}
	existing, err := decodeProperties(current)
	if err != nil {
		return err
	}
	merged, err := encodeProperties(existing.Merge(update))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (edge_type, source_label, source_id, target_label, target_id, properties)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (edge_type, source_label, source_id, target_label, target_id)
		DO UPDATE SET properties = excluded.properties`,
		edgeType, sourceLabel, sourceID, targetLabel, targetID, merged)
	if err != nil {
		return fmt.Errorf("upsert %s edge: %w", edgeType, err)
	}
	return nil
}

func encodeProperties(p common.Properties) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(b), nil
}

func decodeProperties(s string) (common.Properties, error) {
	if s == "" || s == "null" {
		return common.Properties{}, nil
	}
	var p common.Properties
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if p == nil {
		p = common.Properties{}
	}
	return p, nil
}

func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

var (
	_ store.GraphStore = (*Store)(nil)
	_ store.Inspector  = (*Store)(nil)
)
