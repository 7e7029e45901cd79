package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tnfdlab/naturekg/extract"
	"github.com/tnfdlab/naturekg/schema"
	"github.com/tnfdlab/naturekg/store"
)

// fakeExtractor returns canned output and records how often it was called.
type fakeExtractor struct {
	calls   int
	perCall func(call int, unit schema.Evidence) (*extract.RawExtraction, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, unit schema.Evidence, def schema.Def) (*extract.RawExtraction, error) {
	f.calls++
	return f.perCall(f.calls, unit)
}

// fakeEmbedder returns a fixed vector per text.
type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

// memGraph is an in-memory store.Graph for pipeline tests.
type memGraph struct {
	evidence   map[string]schema.Evidence
	nodes      map[string]schema.Node
	edges      map[string]schema.Relationship
	embeddings map[string][]float32
	upsertErr  error
}

func newMemGraph() *memGraph {
	return &memGraph{
		evidence:   map[string]schema.Evidence{},
		nodes:      map[string]schema.Node{},
		edges:      map[string]schema.Relationship{},
		embeddings: map[string][]float32{},
	}
}

func (g *memGraph) UpsertExtraction(ctx context.Context, ev schema.Evidence, nodes []schema.Node, rels []schema.Relationship) (int, int, error) {
	if g.upsertErr != nil {
		return 0, 0, g.upsertErr
	}
	if _, ok := g.evidence[ev.Key()]; !ok {
		g.evidence[ev.Key()] = ev
	}
	var nc, rc int
	for _, n := range nodes {
		if _, ok := g.nodes[n.Key()]; !ok {
			g.nodes[n.Key()] = n
			nc++
		}
	}
	for _, r := range rels {
		k := r.SourceKey + "|" + r.Type + "|" + r.TargetKey
		if _, ok := g.edges[k]; !ok {
			g.edges[k] = r
			rc++
		}
	}
	return nc, rc, nil
}

func (g *memGraph) UpsertEmbedding(ctx context.Context, key string, vec []float32) error {
	if _, ok := g.embeddings[key]; !ok {
		g.embeddings[key] = vec
	}
	return nil
}

func (g *memGraph) VectorSearch(ctx context.Context, q []float32, k int) ([]store.EvidenceHit, error) {
	return nil, nil
}

func (g *memGraph) KeywordSearch(ctx context.Context, terms []string, k int) ([]store.NodeHit, error) {
	return nil, nil
}

func (g *memGraph) NodeByKey(ctx context.Context, key string) (*store.NodeHit, error) {
	n, ok := g.nodes[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.NodeHit{Key: key, Node: n, Score: 1.0}, nil
}

func (g *memGraph) EvidenceByKey(ctx context.Context, key string) (*store.EvidenceHit, error) {
	ev, ok := g.evidence[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.EvidenceHit{Key: key, Evidence: ev, Score: 1.0}, nil
}

func (g *memGraph) EvidenceForNode(ctx context.Context, nodeKey string) ([]store.EvidenceHit, error) {
	return nil, nil
}

func (g *memGraph) AllEdges(ctx context.Context) ([]schema.Relationship, error) {
	var out []schema.Relationship
	for _, r := range g.edges {
		out = append(out, r)
	}
	return out, nil
}

func (g *memGraph) Stats(ctx context.Context) (*store.Stats, error) {
	return &store.Stats{
		Evidence: len(g.evidence), Nodes: len(g.nodes), Edges: len(g.edges),
	}, nil
}

func (g *memGraph) Close() error { return nil }

func sampleRaw() *extract.RawExtraction {
	return &extract.RawExtraction{
		Nodes: []extract.RawNode{
			{Type: schema.NodeOrganization, Name: "Company X"},
			{Type: schema.NodeAction, Name: "Reforestation",
				Props: map[string]string{"action_type": schema.ActionRestore}},
		},
		Relationships: []extract.RawRelationship{
			{SourceRef: 0, Type: schema.RelImplements, TargetRef: 1},
		},
	}
}

func units(n int) []schema.Evidence {
	out := make([]schema.Evidence, n)
	for i := range out {
		out[i] = schema.Evidence{
			Text:       "chunk text " + strings.Repeat("x", i+1),
			SourceDoc:  "report.pdf",
			ChunkIndex: i,
		}
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	emb := &fakeEmbedder{}
	graph := newMemGraph()

	p := New(ex, emb, graph)
	sum, err := p.Run(context.Background(), units(3), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.ChunksProcessed != 3 {
		t.Errorf("processed: got %d, want 3", sum.ChunksProcessed)
	}
	// 2 nodes created on the first chunk, then idempotent merges.
	if sum.NodesCreated != 2 {
		t.Errorf("nodes created: got %d, want 2", sum.NodesCreated)
	}
	// 1 extracted edge + 2 grounding edges per distinct chunk; the
	// extracted edge and node set repeat, grounding edges differ per chunk.
	if len(graph.evidence) != 3 {
		t.Errorf("evidence: got %d, want 3", len(graph.evidence))
	}
	if emb.calls != 3 {
		t.Errorf("embedder calls: got %d, want 3", emb.calls)
	}
}

func TestRunGroundsEveryNode(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph)
	if _, err := p.Run(context.Background(), units(1), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	evKey := schema.EvidenceKey("report.pdf", 0)
	wantEdges := []schema.Relationship{
		{SourceKey: schema.NodeKey(schema.NodeOrganization, "Company X"),
			Type: schema.RelMentions, TargetKey: evKey},
		{SourceKey: schema.NodeKey(schema.NodeAction, "Reforestation"),
			Type: schema.RelSupports, TargetKey: evKey},
	}
	for _, w := range wantEdges {
		k := w.SourceKey + "|" + w.Type + "|" + w.TargetKey
		if _, ok := graph.edges[k]; !ok {
			t.Errorf("missing grounding edge %s", k)
		}
	}
}

func TestRunEmptyChunksSkipped(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	us := units(3)
	us[1].Text = "   \n\t "

	p := New(ex, nil, graph)
	sum, err := p.Run(context.Background(), us, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.EmptyChunks != 1 {
		t.Errorf("empty chunks: got %d, want 1", sum.EmptyChunks)
	}
	if sum.ChunksProcessed != 2 {
		t.Errorf("processed: got %d, want 2", sum.ChunksProcessed)
	}
	if ex.calls != 2 {
		t.Errorf("extractor calls: got %d, want 2", ex.calls)
	}
}

func TestRunMalformedOutputContinues(t *testing.T) {
	ex := &fakeExtractor{perCall: func(call int, unit schema.Evidence) (*extract.RawExtraction, error) {
		if unit.ChunkIndex == 1 {
			return nil, extract.ErrFormat
		}
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph)
	sum, err := p.Run(context.Background(), units(3), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.FailedChunks != 1 {
		t.Errorf("failed chunks: got %d, want 1", sum.FailedChunks)
	}
	if sum.ChunksProcessed != 2 {
		t.Errorf("processed: got %d, want 2", sum.ChunksProcessed)
	}
}

func TestRunTimeoutRetriesOnce(t *testing.T) {
	ex := &fakeExtractor{perCall: func(call int, unit schema.Evidence) (*extract.RawExtraction, error) {
		if call == 1 {
			return nil, context.DeadlineExceeded
		}
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph, WithRetryBackoff(time.Millisecond))
	sum, err := p.Run(context.Background(), units(1), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ex.calls != 2 {
		t.Errorf("extractor calls: got %d, want 2 (one retry)", ex.calls)
	}
	if sum.ChunksProcessed != 1 || sum.FailedChunks != 0 {
		t.Errorf("summary after retry: %+v", sum)
	}
}

func TestRunTimeoutFailsAfterSecondTimeout(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return nil, context.DeadlineExceeded
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph, WithRetryBackoff(time.Millisecond))
	sum, err := p.Run(context.Background(), units(1), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ex.calls != 2 {
		t.Errorf("extractor calls: got %d, want 2", ex.calls)
	}
	if sum.FailedChunks != 1 {
		t.Errorf("failed chunks: got %d, want 1", sum.FailedChunks)
	}
}

func TestRunStoreErrorAborts(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	graph := newMemGraph()
	graph.upsertErr = errors.New("disk full")

	p := New(ex, nil, graph)
	_, err := p.Run(context.Background(), units(3), 0)
	if err == nil {
		t.Fatal("expected run to abort on store failure")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error should carry the store failure: %v", err)
	}
}

func TestRunEmbeddingFailureDoesNotFailChunk(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	emb := &fakeEmbedder{err: errors.New("embedding service down")}
	graph := newMemGraph()

	p := New(ex, emb, graph)
	sum, err := p.Run(context.Background(), units(2), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.ChunksProcessed != 2 {
		t.Errorf("processed: got %d, want 2", sum.ChunksProcessed)
	}
	if sum.EmbeddingFailures != 2 {
		t.Errorf("embedding failures: got %d, want 2", sum.EmbeddingFailures)
	}
}

func TestRunWithOffsetSkipsCompleted(t *testing.T) {
	ex := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph)
	sum, err := p.Run(context.Background(), units(5), 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.ChunksProcessed != 2 {
		t.Errorf("processed: got %d, want 2", sum.ChunksProcessed)
	}
	if ex.calls != 2 {
		t.Errorf("extractor calls: got %d, want 2", ex.calls)
	}
}

func TestRunCheckpointsAndResumes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := OpenLog(logPath)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}

	// First run fails on chunk 2 and every later chunk.
	ex := &fakeExtractor{perCall: func(call int, unit schema.Evidence) (*extract.RawExtraction, error) {
		if unit.ChunkIndex >= 2 {
			return nil, extract.ErrFormat
		}
		return sampleRaw(), nil
	}}
	graph := newMemGraph()
	p := New(ex, nil, graph, WithCheckpointLog(l))
	if _, err := p.Run(context.Background(), units(4), 0); err != nil {
		t.Fatalf("first run: %v", err)
	}
	l.Close()

	offset, err := ResumeOffset(logPath)
	if err != nil {
		t.Fatalf("resume offset: %v", err)
	}
	if offset != 2 {
		t.Fatalf("resume offset: got %d, want 2", offset)
	}

	// Second run resumes from the offset and succeeds.
	l2, err := OpenLog(logPath)
	if err != nil {
		t.Fatalf("reopening log: %v", err)
	}
	defer l2.Close()

	ex2 := &fakeExtractor{perCall: func(int, schema.Evidence) (*extract.RawExtraction, error) {
		return sampleRaw(), nil
	}}
	p2 := New(ex2, nil, graph, WithCheckpointLog(l2))
	sum, err := p2.Run(context.Background(), units(4), offset)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.ChunksProcessed != 2 {
		t.Errorf("resumed run processed: got %d, want 2", sum.ChunksProcessed)
	}
	if ex2.calls != 2 {
		t.Errorf("resumed extractor calls: got %d, want 2", ex2.calls)
	}
}

func TestRunContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &fakeExtractor{perCall: func(call int, unit schema.Evidence) (*extract.RawExtraction, error) {
		if call == 1 {
			cancel()
		}
		return sampleRaw(), nil
	}}
	graph := newMemGraph()

	p := New(ex, nil, graph)
	_, err := p.Run(ctx, units(3), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
