// Package naturekg builds a typed TNFD knowledge graph from
// sustainability-report text and answers questions over it with hybrid
// retrieval and cited evidence.
package naturekg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tnfdlab/naturekg/answer"
	"github.com/tnfdlab/naturekg/chunker"
	"github.com/tnfdlab/naturekg/extract"
	"github.com/tnfdlab/naturekg/glossary"
	"github.com/tnfdlab/naturekg/llm"
	"github.com/tnfdlab/naturekg/parser"
	"github.com/tnfdlab/naturekg/pipeline"
	"github.com/tnfdlab/naturekg/retrieve"
	"github.com/tnfdlab/naturekg/schema"
	"github.com/tnfdlab/naturekg/store"
)

// Engine is the main entry point: extraction pipeline on one side,
// question answering on the other, one graph store between them.
type Engine interface {
	// IngestReport parses, chunks, and extracts a report into the graph.
	IngestReport(ctx context.Context, path string, opts ...IngestOption) (*pipeline.Summary, error)

	// Ask runs a question through hybrid retrieval and answer assembly.
	// Returns ErrNoResults when retrieval finds no supporting evidence.
	Ask(ctx context.Context, question string) (*Response, error)

	// Stats reports graph size by node type, evidence and edge counts.
	Stats(ctx context.Context) (*store.Stats, error)

	// Close cleanly shuts down the engine.
	Close() error
}

// Response pairs a cited answer with the retrieval context it was built
// from, so callers can inspect provenance paths and scores.
type Response struct {
	Answer  *answer.Answer    `json:"answer"`
	Context *retrieve.Context `json:"context"`
}

// IngestOption configures one ingestion run.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	rangeStart int
	rangeEnd   int // exclusive; 0 means no upper bound
	offset     int
	resume     bool
}

// WithChunkRange limits the run to chunk indices in [start, end).
// An end of 0 means no upper bound.
func WithChunkRange(start, end int) IngestOption {
	return func(o *ingestOptions) {
		o.rangeStart = start
		o.rangeEnd = end
	}
}

// WithOffset skips chunks below the given index.
func WithOffset(n int) IngestOption {
	return func(o *ingestOptions) { o.offset = n }
}

// WithResume infers the offset from the document's checkpoint log,
// continuing after the last completed chunk.
func WithResume() IngestOption {
	return func(o *ingestOptions) { o.resume = true }
}

type engine struct {
	cfg       Config
	graph     store.Graph
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	parsers   *parser.Registry
	chunkr    *chunker.Chunker
	oracle    *extract.Oracle
	retriever *retrieve.Retriever
	assembler *answer.Assembler
}

// New creates a NatureKG engine from configuration.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	graph, err := openGraph(cfg)
	if err != nil {
		return nil, err
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	gloss := glossary.Default()
	if cfg.GlossaryPath != "" {
		gloss, err = glossary.LoadXLSX(cfg.GlossaryPath)
		if err != nil {
			graph.Close()
			return nil, fmt.Errorf("loading glossary: %w", err)
		}
	}

	retrOpts := []retrieve.Option{retrieve.WithExpander(gloss)}
	if cfg.TopK > 0 {
		retrOpts = append(retrOpts, retrieve.WithTopK(cfg.TopK))
	}
	if cfg.TraversalDepth > 0 {
		retrOpts = append(retrOpts, retrieve.WithDepth(cfg.TraversalDepth))
	}
	if cfg.MaxContextItems > 0 {
		retrOpts = append(retrOpts, retrieve.WithMaxItems(cfg.MaxContextItems))
	}
	retriever := retrieve.New(graph, embedLLM, retrOpts...)

	return &engine{
		cfg:       cfg,
		graph:     graph,
		chatLLM:   chatLLM,
		embedLLM:  embedLLM,
		parsers:   parser.NewRegistry(),
		chunkr:    chunker.New(chunker.Config{MaxChars: cfg.MaxChunkChars, Overlap: cfg.ChunkOverlap}),
		oracle:    extract.NewOracle(chatLLM),
		retriever: retriever,
		assembler: answer.New(chatLLM),
	}, nil
}

func openGraph(cfg Config) (store.Graph, error) {
	switch cfg.Backend {
	case "neo4j":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		g, err := store.NewNeo4j(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username,
			cfg.Neo4j.Password, cfg.Neo4j.Database, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return g, nil
	default:
		g, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return g, nil
	}
}

func (e *engine) IngestReport(ctx context.Context, path string, opts ...IngestOption) (*pipeline.Summary, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	p, err := e.parsers.ForPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	parseStart := time.Now()
	doc, err := p.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	slog.Info("ingest: parsed report",
		"source", doc.Source, "pages", len(doc.Pages),
		"elapsed", time.Since(parseStart).Round(time.Millisecond))

	units := e.chunkr.Chunk(doc)
	if options.rangeStart > 0 || options.rangeEnd > 0 {
		units = filterRange(units, options.rangeStart, options.rangeEnd)
	}
	slog.Info("ingest: chunked report",
		"source", doc.Source, "chunks", len(units),
		"max_chars", e.cfg.MaxChunkChars, "overlap", e.cfg.ChunkOverlap)

	logPath := e.cfg.checkpointPath(doc.Source)
	offset := options.offset
	if options.resume {
		offset, err = pipeline.ResumeOffset(logPath)
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint log: %w", err)
		}
		slog.Info("ingest: resuming", "source", doc.Source, "offset", offset)
	}

	cpLog, err := pipeline.OpenLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer cpLog.Close()

	pipeOpts := []pipeline.Option{pipeline.WithCheckpointLog(cpLog)}
	if e.cfg.CallTimeoutSeconds > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithCallTimeout(time.Duration(e.cfg.CallTimeoutSeconds)*time.Second))
	}
	pipe := pipeline.New(e.oracle, e.embedLLM, e.graph, pipeOpts...)

	return pipe.Run(ctx, units, offset)
}

func (e *engine) Ask(ctx context.Context, question string) (*Response, error) {
	rctx, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}
	if len(rctx.Items) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoResults, question)
	}

	ans, err := e.assembler.Answer(ctx, question, rctx)
	if err != nil {
		return nil, fmt.Errorf("assembling answer: %w", err)
	}
	return &Response{Answer: ans, Context: rctx}, nil
}

func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.graph.Stats(ctx)
}

func (e *engine) Close() error {
	return e.graph.Close()
}

func filterRange(units []schema.Evidence, start, end int) []schema.Evidence {
	out := units[:0:0]
	for _, u := range units {
		if u.ChunkIndex < start {
			continue
		}
		if end > 0 && u.ChunkIndex >= end {
			continue
		}
		out = append(out, u)
	}
	return out
}
