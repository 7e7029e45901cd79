package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tnfdlab/naturekg/schema"
)

// Neo4jStore implements Graph against a Neo4j server. Node labels mirror
// the ontology types and every node carries its logical key as a unique
// property, so merges behave the same as the SQLite backend. Label and
// relationship-type strings are interpolated into Cypher; that is safe
// because the validator only lets ontology values through.
type Neo4jStore struct {
	driver       neo4j.DriverWithContext
	database     string
	embeddingDim int
}

const evidenceVectorIndex = "evidence_embedding"

// reserved node properties that are not extraction properties.
var reservedProps = map[string]bool{
	"key": true, "name": true, "node_type": true,
	"source_doc": true, "chunk_index": true, "page_num": true,
	"text": true, "embedding": true,
}

// NewNeo4j connects to a Neo4j server and ensures the uniqueness
// constraints and the evidence vector index exist.
func NewNeo4j(ctx context.Context, uri, user, password, database string, embeddingDim int) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""), func(cfg *neo4j.Config) {
		cfg.SocketConnectTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	s := &Neo4jStore{driver: driver, database: database, embeddingDim: embeddingDim}
	s.initSchema(ctx)
	return s, nil
}

// initSchema creates constraints and the vector index. Best-effort; may
// fail for restricted users.
func (s *Neo4jStore) initSchema(ctx context.Context) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT evidence_key_unique IF NOT EXISTS FOR (e:Evidence) REQUIRE e.key IS UNIQUE`,
	}
	for _, label := range schema.Default().NodeTypes {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE CONSTRAINT %s_key_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.key IS UNIQUE`,
			strings.ToLower(label), label))
	}
	stmts = append(stmts, fmt.Sprintf(
		`CREATE VECTOR INDEX %s IF NOT EXISTS FOR (e:Evidence) ON (e.embedding)
		 OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
		evidenceVectorIndex, s.embeddingDim))

	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			slog.Warn("neo4j schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

// Close shuts down the underlying driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// UpsertExtraction writes one chunk's evidence node, extracted nodes, and
// relationships inside a single managed transaction. Evidence properties
// are only set on create; node properties merge with later values filling
// in or replacing earlier ones, matching Cypher's SET += semantics.
func (s *Neo4jStore) UpsertExtraction(ctx context.Context, ev schema.Evidence, nodes []schema.Node, rels []schema.Relationship) (int, int, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var nodesCreated, relsCreated int
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MERGE (e:Evidence {key: $key})
			ON CREATE SET e.source_doc = $source_doc,
				e.chunk_index = $chunk_index,
				e.page_num = $page_num,
				e.text = $text
		`, map[string]any{
			"key":         ev.Key(),
			"source_doc":  ev.SourceDoc,
			"chunk_index": int64(ev.ChunkIndex),
			"page_num":    int64(ev.PageNum),
			"text":        ev.Text,
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		for label, batch := range nodesByType(nodes) {
			res, err := tx.Run(ctx, fmt.Sprintf(`
				UNWIND $batch AS n
				MERGE (x:%s {key: n.key})
				SET x.name = coalesce(x.name, n.name), x.node_type = n.node_type
				SET x += n.props
			`, label), map[string]any{"batch": batch})
			if err != nil {
				return nil, err
			}
			sum, err := res.Consume(ctx)
			if err != nil {
				return nil, err
			}
			nodesCreated += sum.Counters().NodesCreated()
		}

		for relType, batch := range relsByType(rels) {
			res, err := tx.Run(ctx, fmt.Sprintf(`
				UNWIND $batch AS r
				MATCH (a {key: r.source_key})
				MATCH (b {key: r.target_key})
				MERGE (a)-[:%s]->(b)
			`, relType), map[string]any{"batch": batch})
			if err != nil {
				return nil, err
			}
			sum, err := res.Consume(ctx)
			if err != nil {
				return nil, err
			}
			relsCreated += sum.Counters().RelationshipsCreated()
		}
		return nil, nil
	})

	return nodesCreated, relsCreated, err
}

func nodesByType(nodes []schema.Node) map[string][]map[string]any {
	byType := make(map[string][]map[string]any)
	for _, n := range nodes {
		props := make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			if !reservedProps[k] {
				props[k] = v
			}
		}
		byType[n.Type] = append(byType[n.Type], map[string]any{
			"key":       n.Key(),
			"name":      n.Name,
			"node_type": n.Type,
			"props":     props,
		})
	}
	return byType
}

func relsByType(rels []schema.Relationship) map[string][]map[string]any {
	byType := make(map[string][]map[string]any)
	for _, r := range rels {
		byType[r.Type] = append(byType[r.Type], map[string]any{
			"source_key": r.SourceKey,
			"target_key": r.TargetKey,
		})
	}
	return byType
}

// UpsertEmbedding attaches a vector to an evidence node unless one is
// already set.
func (s *Neo4jStore) UpsertEmbedding(ctx context.Context, evidenceKey string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension %d, want %d", len(embedding), s.embeddingDim)
	}

	vec := make([]float64, len(embedding))
	for i, f := range embedding {
		vec[i] = float64(f)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Evidence {key: $key})
			WHERE e.embedding IS NULL
			CALL db.create.setNodeVectorProperty(e, 'embedding', $embedding)
			RETURN count(e)
		`, map[string]any{"key": evidenceKey, "embedding": vec})
		if err != nil {
			return nil, err
		}
		return nil, res.Err()
	})
	return err
}

// VectorSearch queries the evidence vector index. Scores are cosine
// similarity as reported by Neo4j.
func (s *Neo4jStore) VectorSearch(ctx context.Context, query []float32, k int) ([]EvidenceHit, error) {
	if k <= 0 {
		return nil, nil
	}

	vec := make([]float64, len(query))
	for i, f := range query {
		vec[i] = float64(f)
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			CALL db.index.vector.queryNodes($index, $k, $query)
			YIELD node, score
			RETURN node.source_doc, node.chunk_index, node.page_num, node.text, score
		`, map[string]any{"index": evidenceVectorIndex, "k": k, "query": vec})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]EvidenceHit, 0, len(records))
	for _, rec := range records {
		h := EvidenceHit{
			Evidence: schema.Evidence{
				SourceDoc:  asString(rec.Values[0]),
				ChunkIndex: int(asInt64(rec.Values[1])),
				PageNum:    int(asInt64(rec.Values[2])),
				Text:       asString(rec.Values[3]),
			},
			Score: asFloat64(rec.Values[4]),
		}
		h.Key = h.Evidence.Key()
		hits = append(hits, h)
	}
	return hits, nil
}

// KeywordSearch finds non-Evidence nodes whose name or properties contain
// any term, case-insensitively. Exact name matches score 1.0 and rank
// before substring and property matches, so they survive the k cutoff.
func (s *Neo4jStore) KeywordSearch(ctx context.Context, terms []string, k int) ([]NodeHit, error) {
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = schema.NormalizeName(t); t != "" {
			normalized = append(normalized, t)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (n)
			WHERE NOT n:Evidence
			  AND any(t IN $terms WHERE toLower(n.name) CONTAINS t
			      OR any(p IN [v IN keys(n) WHERE NOT v IN ['key', 'node_type']]
			             WHERE toLower(toString(n[p])) CONTAINS t))
			WITH n, CASE WHEN toLower(n.name) IN $terms THEN 0 ELSE 1 END AS exact
			RETURN n.node_type, n.name, properties(n)
			ORDER BY exact, n.node_type, n.key
			LIMIT $k
		`, map[string]any{"terms": normalized, "k": k})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]NodeHit, 0, len(records))
	for _, rec := range records {
		h := nodeHitFromRecord(asString(rec.Values[0]), asString(rec.Values[1]), rec.Values[2])
		h.Score = 0.5
		nameKey := schema.NormalizeName(h.Node.Name)
		for _, t := range normalized {
			if nameKey == t {
				h.Score = 1.0
				break
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// NodeByKey resolves a node from its logical key.
func (s *Neo4jStore) NodeByKey(ctx context.Context, key string) (*NodeHit, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (n {key: $key})
			WHERE NOT n:Evidence
			RETURN n.node_type, n.name, properties(n)
		`, map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("node %s: %w", key, ErrNotFound)
	}

	rec := records[0]
	h := nodeHitFromRecord(asString(rec.Values[0]), asString(rec.Values[1]), rec.Values[2])
	h.Score = 1.0
	return &h, nil
}

// EvidenceByKey resolves an evidence chunk from its logical key.
func (s *Neo4jStore) EvidenceByKey(ctx context.Context, key string) (*EvidenceHit, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Evidence {key: $key})
			RETURN e.source_doc, e.chunk_index, e.page_num, e.text
		`, map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("evidence %s: %w", key, ErrNotFound)
	}

	rec := records[0]
	h := &EvidenceHit{
		Key:   key,
		Score: 1.0,
		Evidence: schema.Evidence{
			SourceDoc:  asString(rec.Values[0]),
			ChunkIndex: int(asInt64(rec.Values[1])),
			PageNum:    int(asInt64(rec.Values[2])),
			Text:       asString(rec.Values[3]),
		},
	}
	return h, nil
}

// EvidenceForNode returns the evidence chunks a node is grounded in.
func (s *Neo4jStore) EvidenceForNode(ctx context.Context, nodeKey string) ([]EvidenceHit, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (n {key: $key})-[r]->(e:Evidence)
			WHERE type(r) IN $types
			RETURN DISTINCT e.source_doc, e.chunk_index, e.page_num, e.text
			ORDER BY e.source_doc, e.chunk_index
		`, map[string]any{
			"key":   nodeKey,
			"types": []any{schema.RelMentions, schema.RelSupports},
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]EvidenceHit, 0, len(records))
	for _, rec := range records {
		h := EvidenceHit{
			Score: 1.0,
			Evidence: schema.Evidence{
				SourceDoc:  asString(rec.Values[0]),
				ChunkIndex: int(asInt64(rec.Values[1])),
				PageNum:    int(asInt64(rec.Values[2])),
				Text:       asString(rec.Values[3]),
			},
		}
		h.Key = h.Evidence.Key()
		hits = append(hits, h)
	}
	return hits, nil
}

// AllEdges returns every relationship in the graph.
func (s *Neo4jStore) AllEdges(ctx context.Context) ([]schema.Relationship, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (a)-[r]->(b)
			RETURN a.key, type(r), b.key
		`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	rels := make([]schema.Relationship, 0, len(records))
	for _, rec := range records {
		rels = append(rels, schema.Relationship{
			SourceKey: asString(rec.Values[0]),
			Type:      asString(rec.Values[1]),
			TargetKey: asString(rec.Values[2]),
		})
	}
	return rels, nil
}

// Stats returns graph-level counts.
func (s *Neo4jStore) Stats(ctx context.Context) (*Stats, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `
			MATCH (n)
			WITH coalesce(n.node_type, 'Evidence') AS t, count(n) AS c
			RETURN t, c
		`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{NodesByType: map[string]int{}}
	for _, rec := range records {
		t := asString(rec.Values[0])
		c := int(asInt64(rec.Values[1]))
		if t == schema.NodeEvidence {
			stats.Evidence = c
			continue
		}
		stats.Nodes += c
		stats.NodesByType[t] = c
	}

	edgeRecords, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		res, err := tx.Run(ctx, `MATCH ()-[r]->() RETURN count(r)`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(edgeRecords) > 0 {
		stats.Edges = int(asInt64(edgeRecords[0].Values[0]))
	}
	return stats, nil
}

// --- record helpers ---

func nodeHitFromRecord(nodeType, name string, rawProps any) NodeHit {
	h := NodeHit{Node: schema.Node{Type: nodeType, Name: name}}
	if m, ok := rawProps.(map[string]any); ok {
		for k, v := range m {
			if reservedProps[k] {
				continue
			}
			if sv, ok := v.(string); ok {
				if h.Node.Props == nil {
					h.Node.Props = map[string]string{}
				}
				h.Node.Props[k] = sv
			}
		}
	}
	h.Key = h.Node.Key()
	return h
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}

func asFloat64(v any) float64 {
	f, _ := v.(float64)
	return f
}
