// Package store persists the knowledge graph. The Graph interface is the
// contract the pipeline writes through and the retriever reads through;
// Store implements it on SQLite with sqlite-vec, Neo4jStore on a Neo4j
// server. Identity is always the logical key (type + normalized name for
// nodes, source document + chunk index for evidence), never a surrogate id.
package store

import (
	"context"
	"errors"

	"github.com/tnfdlab/naturekg/schema"
)

// ErrNotFound reports a lookup by logical key that matched nothing.
var ErrNotFound = errors.New("store: not found")

// EvidenceHit is an evidence chunk returned by lookup or vector search.
type EvidenceHit struct {
	Key      string          `json:"key"`
	Evidence schema.Evidence `json:"evidence"`
	Score    float64         `json:"score"`
}

// NodeHit is a non-Evidence node returned by lookup or keyword search.
// Score is 1.0 for an exact name match, 0.5 for a substring match.
type NodeHit struct {
	Key   string      `json:"key"`
	Node  schema.Node `json:"node"`
	Score float64     `json:"score"`
}

// Stats holds graph-level counts for the end-of-run summary and /stats.
type Stats struct {
	Evidence    int            `json:"evidence"`
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	NodesByType map[string]int `json:"nodes_by_type"`
}

// Graph is the persistent graph/vector store boundary. All write operations
// merge by logical key: calling twice with the same logical entity is a
// no-op on the second call except for property union.
type Graph interface {
	// UpsertExtraction writes one chunk's evidence node, extracted nodes,
	// and relationships as a single atomic unit. Returns how many nodes and
	// relationships were newly created (as opposed to merged).
	UpsertExtraction(ctx context.Context, ev schema.Evidence, nodes []schema.Node, rels []schema.Relationship) (nodesCreated, relsCreated int, err error)

	// UpsertEmbedding attaches a fixed-length vector to an evidence node.
	// The embedding is set at most once; repeat calls are no-ops.
	UpsertEmbedding(ctx context.Context, evidenceKey string, embedding []float32) error

	// VectorSearch returns the top-k evidence chunks by cosine similarity.
	VectorSearch(ctx context.Context, query []float32, k int) ([]EvidenceHit, error)

	// KeywordSearch returns up to k non-Evidence nodes whose name or
	// properties contain any of the terms, case-insensitively. Exact name
	// matches are never displaced by substring matches when the candidate
	// set exceeds k.
	KeywordSearch(ctx context.Context, terms []string, k int) ([]NodeHit, error)

	// NodeByKey resolves a node's display data from its logical key.
	NodeByKey(ctx context.Context, key string) (*NodeHit, error)

	// EvidenceByKey resolves an evidence chunk from its logical key.
	EvidenceByKey(ctx context.Context, key string) (*EvidenceHit, error)

	// EvidenceForNode returns the evidence chunks a node is grounded in,
	// following MENTIONS/SUPPORTS edges.
	EvidenceForNode(ctx context.Context, nodeKey string) ([]EvidenceHit, error)

	// AllEdges returns every relationship for in-memory traversal.
	AllEdges(ctx context.Context) ([]schema.Relationship, error)

	// Stats returns graph-level counts.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
