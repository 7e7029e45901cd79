package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension and must match the embedding model.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Evidence chunks. Identity is (source_doc, chunk_index); text, source_doc,
-- and page_num are immutable once created (upserts never update them).
CREATE TABLE IF NOT EXISTS evidence (
    id INTEGER PRIMARY KEY,
    source_doc TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    page_num INTEGER NOT NULL,
    text TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_doc, chunk_index)
);

-- Evidence embeddings via sqlite-vec. One row per evidence chunk, written
-- at most once.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_evidence USING vec0(
    evidence_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Extracted nodes. Identity is (node_type, name_key); name keeps display
-- casing, name_key is the case-folded form.
CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY,
    node_type TEXT NOT NULL,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL,
    props JSON,
    UNIQUE(node_type, name_key)
);

-- Relationships between logical keys. Append-only; duplicate
-- (source, type, target) triples collapse to one edge.
CREATE TABLE IF NOT EXISTS edges (
    id INTEGER PRIMARY KEY,
    source_key TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    target_key TEXT NOT NULL,
    UNIQUE(source_key, rel_type, target_key)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_evidence_doc ON evidence(source_doc);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type);
CREATE INDEX IF NOT EXISTS idx_nodes_name_key ON nodes(name_key);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_key);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_key);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(rel_type);
`, embeddingDim)
}
