// Package pipeline drives the chunk-by-chunk knowledge graph build: each
// text chunk goes through extraction, validation, grounding, and an atomic
// store write, with progress checkpointed to an append-only log so an
// interrupted run can resume where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tnfdlab/naturekg/extract"
	"github.com/tnfdlab/naturekg/schema"
	"github.com/tnfdlab/naturekg/store"
)

// Extractor produces a raw extraction for one evidence chunk.
// *extract.Oracle is the production implementation.
type Extractor interface {
	Extract(ctx context.Context, unit schema.Evidence, def schema.Def) (*extract.RawExtraction, error)
}

// Embedder turns texts into fixed-length vectors. llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Summary reports what one run did.
type Summary struct {
	RunID                string  `json:"run_id"`
	ChunksTotal          int     `json:"chunks_total"`
	ChunksProcessed      int     `json:"chunks_processed"`
	NodesCreated         int     `json:"nodes_created"`
	RelationshipsCreated int     `json:"relationships_created"`
	EmptyChunks          int     `json:"empty_chunks"`
	FailedChunks         int     `json:"failed_chunks"`
	EmbeddingFailures    int     `json:"embedding_failures"`
	ElapsedSeconds       float64 `json:"elapsed_seconds"`
	MeanChunkSeconds     float64 `json:"mean_chunk_seconds"`
}

// Pipeline orchestrates ingestion against a Graph store.
type Pipeline struct {
	extractor   Extractor
	embedder    Embedder
	graph       store.Graph
	def         schema.Def
	log         *Log
	callTimeout time.Duration
	backoff     time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOntology overrides the default ontology definition.
func WithOntology(def schema.Def) Option {
	return func(p *Pipeline) { p.def = def }
}

// WithCheckpointLog attaches a checkpoint log. Without one, progress is
// not persisted and runs cannot resume.
func WithCheckpointLog(l *Log) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithCallTimeout sets the per-call deadline for extraction and embedding.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.callTimeout = d }
}

// WithRetryBackoff sets the pause before the single retry after a timeout.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Pipeline) { p.backoff = d }
}

// New builds a Pipeline. The embedder may be nil, in which case chunks are
// stored without vectors and only keyword/graph retrieval will reach them.
func New(extractor Extractor, embedder Embedder, graph store.Graph, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:   extractor,
		embedder:    embedder,
		graph:       graph,
		def:         schema.Default(),
		callTimeout: 60 * time.Second,
		backoff:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes the given chunks in order. Units whose ChunkIndex is below
// offset are skipped, which is how a resumed run picks up after its last
// completed chunk. Extraction failures mark the chunk failed and move on;
// store write failures abort the run.
func (p *Pipeline) Run(ctx context.Context, units []schema.Evidence, offset int) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString(), ChunksTotal: len(units)}

	slog.Info("pipeline run starting",
		"run_id", sum.RunID, "chunks", len(units), "offset", offset)

	for _, unit := range units {
		if unit.ChunkIndex < offset {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("run aborted at chunk %d: %w", unit.ChunkIndex, err)
		}

		if strings.TrimSpace(unit.Text) == "" {
			sum.EmptyChunks++
			p.checkpoint(Entry{RunID: sum.RunID, ChunkIndex: unit.ChunkIndex, Status: StatusCompleted})
			continue
		}

		p.checkpoint(Entry{RunID: sum.RunID, ChunkIndex: unit.ChunkIndex, Status: StatusInFlight})

		nc, rc, err := p.processChunk(ctx, unit, sum)
		if err != nil {
			if ctx.Err() != nil {
				return sum, fmt.Errorf("run aborted at chunk %d: %w", unit.ChunkIndex, ctx.Err())
			}
			if isStoreErr(err) {
				p.checkpoint(Entry{RunID: sum.RunID, ChunkIndex: unit.ChunkIndex,
					Status: StatusFailed, Error: err.Error()})
				return sum, fmt.Errorf("chunk %d: %w", unit.ChunkIndex, err)
			}
			slog.Warn("chunk failed", "chunk", unit.ChunkIndex, "error", err)
			sum.FailedChunks++
			p.checkpoint(Entry{RunID: sum.RunID, ChunkIndex: unit.ChunkIndex,
				Status: StatusFailed, Error: err.Error()})
			continue
		}

		sum.ChunksProcessed++
		sum.NodesCreated += nc
		sum.RelationshipsCreated += rc
		p.checkpoint(Entry{RunID: sum.RunID, ChunkIndex: unit.ChunkIndex,
			Status: StatusCompleted, NodeCount: nc, RelationshipCount: rc})
	}

	sum.ElapsedSeconds = time.Since(start).Seconds()
	if n := sum.ChunksProcessed + sum.FailedChunks; n > 0 {
		sum.MeanChunkSeconds = sum.ElapsedSeconds / float64(n)
	}

	slog.Info("pipeline run finished",
		"run_id", sum.RunID,
		"processed", sum.ChunksProcessed,
		"nodes_created", sum.NodesCreated,
		"relationships_created", sum.RelationshipsCreated,
		"empty", sum.EmptyChunks,
		"failed", sum.FailedChunks,
		"elapsed_s", fmt.Sprintf("%.1f", sum.ElapsedSeconds))
	return sum, nil
}

// processChunk runs extraction, validation, grounding, the store write,
// and embedding for one chunk.
func (p *Pipeline) processChunk(ctx context.Context, unit schema.Evidence, sum *Summary) (int, int, error) {
	raw, err := p.extractWithRetry(ctx, unit)
	if err != nil {
		return 0, 0, fmt.Errorf("extracting: %w", err)
	}

	valid, err := extract.Validate(raw, p.def)
	if err != nil {
		return 0, 0, fmt.Errorf("validating: %w", err)
	}
	if valid.DroppedNodes > 0 || valid.DroppedRelationships > 0 {
		slog.Debug("validator dropped extraction output",
			"chunk", unit.ChunkIndex,
			"nodes", valid.DroppedNodes,
			"relationships", valid.DroppedRelationships)
	}

	linked := extract.Link(valid, unit)

	nc, rc, err := p.graph.UpsertExtraction(ctx, linked.Evidence, linked.Nodes, linked.Relationships)
	if err != nil {
		return 0, 0, &storeError{err}
	}

	if p.embedder != nil {
		if err := p.embed(ctx, unit); err != nil {
			// Keyword and graph retrieval still reach this chunk, so an
			// embedding failure does not fail it.
			slog.Warn("embedding failed", "chunk", unit.ChunkIndex, "error", err)
			sum.EmbeddingFailures++
		}
	}

	return nc, rc, nil
}

// extractWithRetry calls the extractor with the per-call timeout and
// retries exactly once, after a backoff, when the call times out.
func (p *Pipeline) extractWithRetry(ctx context.Context, unit schema.Evidence) (*extract.RawExtraction, error) {
	raw, err := p.extractOnce(ctx, unit)
	if err == nil || !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return raw, err
	}

	slog.Warn("extraction timed out, retrying once",
		"chunk", unit.ChunkIndex, "backoff", p.backoff)
	select {
	case <-time.After(p.backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.extractOnce(ctx, unit)
}

func (p *Pipeline) extractOnce(ctx context.Context, unit schema.Evidence) (*extract.RawExtraction, error) {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.extractor.Extract(cctx, unit, p.def)
}

func (p *Pipeline) embed(ctx context.Context, unit schema.Evidence) error {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	vecs, err := p.embedder.Embed(cctx, []string{unit.Text})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
	}
	return p.graph.UpsertEmbedding(ctx, unit.Key(), vecs[0])
}

func (p *Pipeline) checkpoint(e Entry) {
	if p.log == nil {
		return
	}
	if err := p.log.Append(e); err != nil {
		slog.Error("checkpoint append failed", "chunk", e.ChunkIndex, "error", err)
	}
}

// storeError marks a failure of the graph store, which aborts the run
// instead of skipping the chunk.
type storeError struct{ err error }

func (e *storeError) Error() string { return "graph store: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreErr(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}
