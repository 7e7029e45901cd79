package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tnfdlab/naturekg/schema"
)

func init() {
	sqlite_vec.Auto()
}

// Store implements Graph on a single SQLite database with sqlite-vec for
// embeddings. Safe for concurrent use through database/sql's pool.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// UpsertExtraction writes one chunk's evidence row, nodes, and edges in a
// single transaction. The evidence text is never updated once written;
// node properties are unioned with existing values on merge.
func (s *Store) UpsertExtraction(ctx context.Context, ev schema.Evidence, nodes []schema.Node, rels []schema.Relationship) (int, int, error) {
	var nodesCreated, relsCreated int

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evidence (source_doc, chunk_index, page_num, text)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_doc, chunk_index) DO NOTHING
		`, ev.SourceDoc, ev.ChunkIndex, ev.PageNum, ev.Text); err != nil {
			return fmt.Errorf("upserting evidence %s: %w", ev.Key(), err)
		}

		for _, n := range nodes {
			created, err := upsertNodeTx(ctx, tx, n)
			if err != nil {
				return fmt.Errorf("upserting node %s: %w", n.Key(), err)
			}
			if created {
				nodesCreated++
			}
		}

		for _, r := range rels {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO edges (source_key, rel_type, target_key)
				VALUES (?, ?, ?)
			`, r.SourceKey, r.Type, r.TargetKey)
			if err != nil {
				return fmt.Errorf("upserting edge %s-[%s]->%s: %w", r.SourceKey, r.Type, r.TargetKey, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected > 0 {
				relsCreated++
			}
		}

		return nil
	})

	return nodesCreated, relsCreated, err
}

// upsertNodeTx inserts a node or merges its properties into an existing
// row. Returns true when the row is new.
func upsertNodeTx(ctx context.Context, tx *sql.Tx, n schema.Node) (bool, error) {
	nameKey := schema.NormalizeName(n.Name)

	propsJSON := "{}"
	if len(n.Props) > 0 {
		b, err := json.Marshal(n.Props)
		if err != nil {
			return false, err
		}
		propsJSON = string(b)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (node_type, name, name_key, props)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_type, name_key) DO NOTHING
	`, n.Type, n.Name, nameKey, propsJSON)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Merged: union new properties into the existing row. Existing values
	// win so a later chunk cannot overwrite an earlier classification.
	if len(n.Props) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE nodes
			SET props = json_patch(?, COALESCE(props, '{}'))
			WHERE node_type = ? AND name_key = ?
		`, propsJSON, n.Type, nameKey); err != nil {
			return false, err
		}
	}
	return false, nil
}

// UpsertEmbedding attaches a vector to an evidence chunk. A chunk keeps
// its first embedding; repeat calls are no-ops.
func (s *Store) UpsertEmbedding(ctx context.Context, evidenceKey string, embedding []float32) error {
	sourceDoc, chunkIndex, ok := schema.ParseEvidenceKey(evidenceKey)
	if !ok {
		return fmt.Errorf("invalid evidence key %q", evidenceKey)
	}
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension %d, want %d", len(embedding), s.embeddingDim)
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM evidence WHERE source_doc = ? AND chunk_index = ?",
		sourceDoc, chunkIndex).Scan(&id)
	if err != nil {
		return fmt.Errorf("resolving evidence %s: %w", evidenceKey, err)
	}

	// vec0 virtual tables do not support INSERT OR IGNORE, so check first.
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_evidence WHERE evidence_id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO vec_evidence (evidence_id, embedding) VALUES (?, ?)",
		id, serializeFloat32(embedding))
	return err
}

// VectorSearch performs a KNN search over evidence embeddings.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]EvidenceHit, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, e.source_doc, e.chunk_index, e.page_num, e.text
		FROM vec_evidence v
		JOIN evidence e ON e.id = v.evidence_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []EvidenceHit
	for rows.Next() {
		var h EvidenceHit
		var distance float64
		if err := rows.Scan(&distance, &h.Evidence.SourceDoc,
			&h.Evidence.ChunkIndex, &h.Evidence.PageNum, &h.Evidence.Text); err != nil {
			return nil, err
		}
		h.Key = h.Evidence.Key()
		// Convert distance to similarity score (1 - distance for cosine)
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// KeywordSearch finds nodes whose name or properties contain any of the
// given terms as a case-insensitive substring. An exact name match scores
// 1.0, a substring or property match 0.5.
func (s *Store) KeywordSearch(ctx context.Context, terms []string, k int) ([]NodeHit, error) {
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	var conditions []string
	var args []interface{}
	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		t = schema.NormalizeName(t)
		if t == "" {
			continue
		}
		normalized = append(normalized, t)
		pattern := "%" + escapeLike(t) + "%"
		conditions = append(conditions,
			`(name_key LIKE ? ESCAPE '\' OR lower(COALESCE(props, '')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	// Exact name matches rank before substring and property matches, so a
	// candidate set wider than k can never squeeze out the exact match.
	exactIn := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	query := `SELECT node_type, name, name_key, COALESCE(props, '{}') FROM nodes WHERE ` +
		strings.Join(conditions, " OR ") +
		` ORDER BY CASE WHEN name_key IN (` + exactIn + `) THEN 0 ELSE 1 END, node_type, name_key LIMIT ?`
	for _, t := range normalized {
		args = append(args, t)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []NodeHit
	for rows.Next() {
		var h NodeHit
		var nameKey, propsJSON string
		if err := rows.Scan(&h.Node.Type, &h.Node.Name, &nameKey, &propsJSON); err != nil {
			return nil, err
		}
		if err := unmarshalProps(propsJSON, &h.Node); err != nil {
			return nil, err
		}
		h.Key = h.Node.Key()
		h.Score = 0.5
		for _, t := range normalized {
			if nameKey == t {
				h.Score = 1.0
				break
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// NodeByKey resolves a node from its logical key. Returns ErrNotFound when
// no such node exists.
func (s *Store) NodeByKey(ctx context.Context, key string) (*NodeHit, error) {
	nodeType, nameKey, ok := schema.ParseNodeKey(key)
	if !ok {
		return nil, fmt.Errorf("invalid node key %q: %w", key, ErrNotFound)
	}

	h := &NodeHit{Key: key, Score: 1.0}
	var propsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT node_type, name, COALESCE(props, '{}')
		FROM nodes WHERE node_type = ? AND name_key = ?
	`, nodeType, nameKey).Scan(&h.Node.Type, &h.Node.Name, &propsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalProps(propsJSON, &h.Node); err != nil {
		return nil, err
	}
	return h, nil
}

// EvidenceByKey resolves an evidence chunk from its logical key. Returns
// ErrNotFound when no such chunk exists.
func (s *Store) EvidenceByKey(ctx context.Context, key string) (*EvidenceHit, error) {
	sourceDoc, chunkIndex, ok := schema.ParseEvidenceKey(key)
	if !ok {
		return nil, fmt.Errorf("invalid evidence key %q: %w", key, ErrNotFound)
	}

	h := &EvidenceHit{Key: key, Score: 1.0}
	err := s.db.QueryRowContext(ctx, `
		SELECT source_doc, chunk_index, page_num, text
		FROM evidence WHERE source_doc = ? AND chunk_index = ?
	`, sourceDoc, chunkIndex).Scan(&h.Evidence.SourceDoc,
		&h.Evidence.ChunkIndex, &h.Evidence.PageNum, &h.Evidence.Text)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("evidence %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// EvidenceForNode returns the evidence chunks a node is grounded in,
// ordered by source document and chunk index.
func (s *Store) EvidenceForNode(ctx context.Context, nodeKey string) ([]EvidenceHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT e.source_doc, e.chunk_index, e.page_num, e.text
		FROM edges g
		JOIN evidence e ON
			g.target_key = ? || ':' || e.source_doc || '#' || e.chunk_index
		WHERE g.source_key = ? AND g.rel_type IN (?, ?)
		ORDER BY e.source_doc, e.chunk_index
	`, schema.NodeEvidence, nodeKey, schema.RelMentions, schema.RelSupports)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []EvidenceHit
	for rows.Next() {
		var h EvidenceHit
		if err := rows.Scan(&h.Evidence.SourceDoc, &h.Evidence.ChunkIndex,
			&h.Evidence.PageNum, &h.Evidence.Text); err != nil {
			return nil, err
		}
		h.Key = h.Evidence.Key()
		h.Score = 1.0
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// AllEdges returns every relationship in the graph for in-memory traversal.
func (s *Store) AllEdges(ctx context.Context) ([]schema.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_key, rel_type, target_key FROM edges")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []schema.Relationship
	for rows.Next() {
		var r schema.Relationship
		if err := rows.Scan(&r.SourceKey, &r.Type, &r.TargetKey); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// Stats returns counts of evidence chunks, nodes, and edges.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{NodesByType: map[string]int{}}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM evidence", &stats.Evidence},
		{"SELECT COUNT(*) FROM nodes", &stats.Nodes},
		{"SELECT COUNT(*) FROM edges", &stats.Edges},
	}
	for _, q := range counts {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT node_type, COUNT(*) FROM nodes GROUP BY node_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.NodesByType[t] = n
	}
	return stats, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func unmarshalProps(propsJSON string, n *schema.Node) error {
	if propsJSON == "" || propsJSON == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(propsJSON), &n.Props)
}

// escapeLike neutralises LIKE metacharacters in user-supplied terms.
// SQLite treats '%' and '_' as wildcards inside LIKE patterns.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(term)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
