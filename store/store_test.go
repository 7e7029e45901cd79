//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tnfdlab/naturekg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvidence(chunkIndex int) schema.Evidence {
	return schema.Evidence{
		Text:       "Company X is implementing reforestation in the Amazon.",
		SourceDoc:  "report.pdf",
		PageNum:    3,
		ChunkIndex: chunkIndex,
	}
}

func sampleExtraction() ([]schema.Node, []schema.Relationship) {
	nodes := []schema.Node{
		{Type: schema.NodeOrganization, Name: "Company X"},
		{Type: schema.NodeAction, Name: "Reforestation", Props: map[string]string{"action_type": schema.ActionRestore}},
		{Type: schema.NodeRisk, Name: "Deforestation", Props: map[string]string{"category": schema.RiskChronic}},
	}
	rels := []schema.Relationship{
		{SourceKey: nodes[0].Key(), Type: schema.RelImplements, TargetKey: nodes[1].Key()},
		{SourceKey: nodes[1].Key(), Type: schema.RelMitigates, TargetKey: nodes[2].Key()},
	}
	return nodes, rels
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// UpsertExtraction
// ---------------------------------------------------------------------------

func TestUpsertExtraction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes, rels := sampleExtraction()
	nc, rc, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, rels)
	if err != nil {
		t.Fatalf("upserting extraction: %v", err)
	}
	if nc != 3 {
		t.Errorf("nodes created: got %d, want 3", nc)
	}
	if rc != 2 {
		t.Errorf("relationships created: got %d, want 2", rc)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Evidence != 1 || stats.Nodes != 3 || stats.Edges != 2 {
		t.Errorf("stats: got %+v", stats)
	}
	if stats.NodesByType[schema.NodeOrganization] != 1 {
		t.Errorf("organizations: got %d, want 1", stats.NodesByType[schema.NodeOrganization])
	}
}

func TestUpsertExtractionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes, rels := sampleExtraction()
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, rels); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Re-ingesting the same chunk must create nothing new.
	nc, rc, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, rels)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if nc != 0 || rc != 0 {
		t.Errorf("second upsert created %d nodes, %d rels; want 0, 0", nc, rc)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Evidence != 1 || stats.Nodes != 3 || stats.Edges != 2 {
		t.Errorf("stats after re-ingest: got %+v", stats)
	}
}

func TestUpsertExtractionMergesByCaseInsensitiveName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []schema.Node{{Type: schema.NodeOrganization, Name: "Company X"}}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), first, nil); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := []schema.Node{{Type: schema.NodeOrganization, Name: "COMPANY  x"}}
	nc, _, err := s.UpsertExtraction(ctx, sampleEvidence(1), second, nil)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if nc != 0 {
		t.Errorf("case variant created %d nodes, want 0", nc)
	}

	// Display name keeps the first-seen casing.
	hit, err := s.NodeByKey(ctx, schema.NodeKey(schema.NodeOrganization, "company x"))
	if err != nil {
		t.Fatalf("node by key: %v", err)
	}
	if hit.Node.Name != "Company X" {
		t.Errorf("display name: got %q, want %q", hit.Node.Name, "Company X")
	}
}

func TestUpsertExtractionEvidenceImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvidence(0)
	if _, _, err := s.UpsertExtraction(ctx, ev, nil, nil); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	changed := ev
	changed.Text = "different text for the same logical chunk"
	if _, _, err := s.UpsertExtraction(ctx, changed, nil, nil); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.EvidenceByKey(ctx, ev.Key())
	if err != nil {
		t.Fatalf("evidence by key: %v", err)
	}
	if got.Evidence.Text != ev.Text {
		t.Errorf("evidence text changed on re-ingest: got %q", got.Evidence.Text)
	}
}

func TestUpsertExtractionPropsUnionExistingWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []schema.Node{{Type: schema.NodeRisk, Name: "Flooding",
		Props: map[string]string{"category": schema.RiskAcute}}}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), first, nil); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := []schema.Node{{Type: schema.NodeRisk, Name: "Flooding",
		Props: map[string]string{"category": schema.RiskChronic, "severity": "high"}}}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(1), second, nil); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	hit, err := s.NodeByKey(ctx, schema.NodeKey(schema.NodeRisk, "Flooding"))
	if err != nil {
		t.Fatalf("node by key: %v", err)
	}
	if hit.Node.Props["category"] != schema.RiskAcute {
		t.Errorf("category: got %q, want existing value %q", hit.Node.Props["category"], schema.RiskAcute)
	}
	if hit.Node.Props["severity"] != "high" {
		t.Errorf("severity: got %q, want %q (new keys should union in)", hit.Node.Props["severity"], "high")
	}
}

// ---------------------------------------------------------------------------
// Embeddings and vector search
// ---------------------------------------------------------------------------

func TestUpsertEmbeddingSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvidence(0)
	if _, _, err := s.UpsertExtraction(ctx, ev, nil, nil); err != nil {
		t.Fatalf("upserting evidence: %v", err)
	}

	if err := s.UpsertEmbedding(ctx, ev.Key(), []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("first embedding: %v", err)
	}
	// Second attempt is a no-op, not an error.
	if err := s.UpsertEmbedding(ctx, ev.Key(), []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("second embedding: %v", err)
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Score < 0.99 {
		t.Errorf("first embedding should have been kept; score %f", hits[0].Score)
	}
}

func TestUpsertEmbeddingWrongDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvidence(0)
	if _, _, err := s.UpsertExtraction(ctx, ev, nil, nil); err != nil {
		t.Fatalf("upserting evidence: %v", err)
	}
	if err := s.UpsertEmbedding(ctx, ev.Key(), []float32{1, 0}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestVectorSearchRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []struct {
		ev  schema.Evidence
		vec []float32
	}{
		{sampleEvidence(0), []float32{1, 0, 0, 0}},
		{sampleEvidence(1), []float32{0.9, 0.1, 0, 0}},
		{sampleEvidence(2), []float32{0, 0, 1, 0}},
	}
	for _, c := range chunks {
		if _, _, err := s.UpsertExtraction(ctx, c.ev, nil, nil); err != nil {
			t.Fatalf("upserting: %v", err)
		}
		if err := s.UpsertEmbedding(ctx, c.ev.Key(), c.vec); err != nil {
			t.Fatalf("embedding: %v", err)
		}
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Evidence.ChunkIndex != 0 {
		t.Errorf("best hit: got chunk %d, want 0", hits[0].Evidence.ChunkIndex)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not ordered by score: %f < %f", hits[0].Score, hits[1].Score)
	}
}

// ---------------------------------------------------------------------------
// Keyword search and lookups
// ---------------------------------------------------------------------------

func TestKeywordSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes := []schema.Node{
		{Type: schema.NodeAction, Name: "Reforestation"},
		{Type: schema.NodeRisk, Name: "Deforestation Risk"},
		{Type: schema.NodeLocation, Name: "Amazon"},
	}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, nil); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	hits, err := s.KeywordSearch(ctx, []string{"forest"}, 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits for 'forest', got %d", len(hits))
	}
	for _, h := range hits {
		if h.Score != 0.5 {
			t.Errorf("substring match score: got %f, want 0.5", h.Score)
		}
	}

	// Exact (case-insensitive) name match scores 1.0.
	hits, err = s.KeywordSearch(ctx, []string{"AMAZON"}, 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 1.0 {
		t.Fatalf("exact match: got %+v", hits)
	}
}

func TestKeywordSearchExactMatchSurvivesLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Alphabetically, both substring matches precede the exact match.
	nodes := []schema.Node{
		{Type: schema.NodeRisk, Name: "Azebra"},
		{Type: schema.NodeRisk, Name: "Bzebra"},
		{Type: schema.NodeRisk, Name: "Zebra"},
	}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, nil); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	hits, err := s.KeywordSearch(ctx, []string{"zebra"}, 2)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Node.Name != "Zebra" || hits[0].Score != 1.0 {
		t.Fatalf("exact match should rank first under a tight limit: %+v", hits)
	}
}

func TestKeywordSearchMatchesProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes := []schema.Node{
		{Type: schema.NodeRisk, Name: "Water Stress", Props: map[string]string{"category": schema.RiskChronic}},
		{Type: schema.NodeLocation, Name: "Amazon"},
	}
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, nil); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	hits, err := s.KeywordSearch(ctx, []string{"chronic"}, 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 1 || hits[0].Node.Name != "Water Stress" {
		t.Fatalf("property match: got %+v", hits)
	}
	if hits[0].Score != 0.5 {
		t.Errorf("property match score: got %f, want 0.5", hits[0].Score)
	}
}

func TestKeywordSearchEmptyTerms(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.KeywordSearch(context.Background(), nil, 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected no hits, got %v", hits)
	}
}

func TestNodeByKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.NodeByKey(context.Background(), schema.NodeKey(schema.NodeRisk, "nothing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvidenceForNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := sampleEvidence(0)
	action := schema.Node{Type: schema.NodeAction, Name: "Reforestation"}
	rels := []schema.Relationship{
		{SourceKey: action.Key(), Type: schema.RelSupports, TargetKey: ev.Key()},
	}
	if _, _, err := s.UpsertExtraction(ctx, ev, []schema.Node{action}, rels); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	hits, err := s.EvidenceForNode(ctx, action.Key())
	if err != nil {
		t.Fatalf("evidence for node: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 evidence chunk, got %d", len(hits))
	}
	if hits[0].Evidence.Text != ev.Text {
		t.Errorf("evidence text: got %q", hits[0].Evidence.Text)
	}
}

func TestAllEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes, rels := sampleExtraction()
	if _, _, err := s.UpsertExtraction(ctx, sampleEvidence(0), nodes, rels); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	edges, err := s.AllEdges(ctx)
	if err != nil {
		t.Fatalf("all edges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
}
