// Package retrieve answers questions against the knowledge graph with
// hybrid retrieval: vector search over evidence chunks and keyword search
// over graph nodes seed a depth-limited traversal, and everything reached
// is ranked into a context the answer layer can cite.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tnfdlab/naturekg/schema"
	"github.com/tnfdlab/naturekg/store"
)

// Embedder turns texts into vectors. llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Expander widens keyword terms with domain aliases. glossary.Glossary
// satisfies it.
type Expander interface {
	Expand(terms []string) []string
}

// Item is one ranked entry in a retrieval context. Path is the provenance
// chain of logical keys from the anchor that discovered this item, so an
// answer can show how a fact was reached.
type Item struct {
	Key      string           `json:"key"`
	Depth    int              `json:"depth"`
	Score    float64          `json:"score"`
	Path     []string         `json:"path"`
	Node     *schema.Node     `json:"node,omitempty"`
	Evidence *schema.Evidence `json:"evidence,omitempty"`
}

// Context is the ranked retrieval result for one question. An empty Items
// slice is a valid outcome, not an error.
type Context struct {
	Query string   `json:"query"`
	Terms []string `json:"terms"`
	Items []Item   `json:"items"`
}

// Retriever runs hybrid retrieval against a Graph store.
type Retriever struct {
	graph    store.Graph
	embedder Embedder
	expander Expander
	vectorK  int
	keywordK int
	depth    int
	maxItems int
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK sets both anchor budgets at once.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		r.vectorK = k
		r.keywordK = k
	}
}

// WithVectorTopK sets how many vector anchors seed the traversal.
func WithVectorTopK(k int) Option {
	return func(r *Retriever) { r.vectorK = k }
}

// WithKeywordTopK sets how many keyword anchors seed the traversal.
func WithKeywordTopK(k int) Option {
	return func(r *Retriever) { r.keywordK = k }
}

// WithDepth sets the traversal depth limit.
func WithDepth(d int) Option {
	return func(r *Retriever) { r.depth = d }
}

// WithMaxItems caps the ranked context size.
func WithMaxItems(n int) Option {
	return func(r *Retriever) { r.maxItems = n }
}

// WithExpander attaches a glossary-style term expander.
func WithExpander(e Expander) Option {
	return func(r *Retriever) { r.expander = e }
}

// New builds a Retriever. The embedder may be nil, leaving keyword and
// graph retrieval only.
func New(graph store.Graph, embedder Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		graph:    graph,
		embedder: embedder,
		vectorK:  5,
		keywordK: 5,
		depth:    2,
		maxItems: 25,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// seed is an anchor node or evidence chunk before traversal.
type seed struct {
	key   string
	score float64
}

// Retrieve builds the ranked context for a question. Vector anchors come
// from evidence similarity, keyword anchors from node name and property
// matching; the union seeds a breadth-first walk of the graph up to the
// depth limit.
// Results order deterministically: anchor score descending, then depth
// ascending, then logical key.
func (r *Retriever) Retrieve(ctx context.Context, query string) (*Context, error) {
	terms := ExtractTerms(query)
	if r.expander != nil {
		terms = r.expander.Expand(terms)
	}

	out := &Context{Query: query, Terms: terms}

	seeds, err := r.collectSeeds(ctx, query, terms)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return out, nil
	}

	discovered, err := r.traverse(ctx, seeds)
	if err != nil {
		return nil, err
	}

	items, err := r.resolve(ctx, discovered)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].Depth != items[j].Depth {
			return items[i].Depth < items[j].Depth
		}
		return items[i].Key < items[j].Key
	})
	if len(items) > r.maxItems {
		items = items[:r.maxItems]
	}
	out.Items = items
	return out, nil
}

// collectSeeds unions vector and keyword anchors. A seed found by both
// keeps its higher score. A failed query embedding degrades to keyword
// retrieval instead of failing the question.
func (r *Retriever) collectSeeds(ctx context.Context, query string, terms []string) (map[string]seed, error) {
	seeds := make(map[string]seed)
	add := func(key string, score float64) {
		if cur, ok := seeds[key]; !ok || score > cur.score {
			seeds[key] = seed{key: key, score: score}
		}
	}

	if r.embedder != nil {
		vecs, err := r.embedder.Embed(ctx, []string{query})
		if err != nil || len(vecs) != 1 {
			slog.Warn("query embedding failed, keyword anchors only", "error", err)
		} else {
			hits, err := r.graph.VectorSearch(ctx, vecs[0], r.vectorK)
			if err != nil {
				return nil, fmt.Errorf("vector anchors: %w", err)
			}
			for _, h := range hits {
				add(h.Key, h.Score)
			}
		}
	}

	hits, err := r.graph.KeywordSearch(ctx, terms, r.keywordK)
	if err != nil {
		return nil, fmt.Errorf("keyword anchors: %w", err)
	}
	for _, h := range hits {
		add(h.Key, h.Score)
	}

	return seeds, nil
}

// visit records how one key was reached during traversal.
type visit struct {
	depth int
	score float64
	path  []string
}

// traverse walks the graph breadth-first from the seeds. Edges are
// followed in both directions; a key already visited is never revisited,
// which keeps cycles safe and each item at its minimum depth. Seeds are
// expanded in descending score order so ties resolve to the stronger
// anchor's provenance.
func (r *Retriever) traverse(ctx context.Context, seeds map[string]seed) (map[string]visit, error) {
	edges, err := r.graph.AllEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}

	neighbours := make(map[string][]string)
	for _, e := range edges {
		neighbours[e.SourceKey] = append(neighbours[e.SourceKey], e.TargetKey)
		neighbours[e.TargetKey] = append(neighbours[e.TargetKey], e.SourceKey)
	}
	for _, ns := range neighbours {
		sort.Strings(ns)
	}

	ordered := make([]seed, 0, len(seeds))
	for _, s := range seeds {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].key < ordered[j].key
	})

	visited := make(map[string]visit, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, s := range ordered {
		visited[s.key] = visit{depth: 0, score: s.score, path: []string{s.key}}
		queue = append(queue, s.key)
	}

	for depth := 0; depth < r.depth && len(queue) > 0; depth++ {
		var next []string
		for _, key := range queue {
			from := visited[key]
			for _, nk := range neighbours[key] {
				if _, ok := visited[nk]; ok {
					continue
				}
				path := make([]string, len(from.path), len(from.path)+1)
				copy(path, from.path)
				visited[nk] = visit{
					depth: depth + 1,
					score: from.score,
					path:  append(path, nk),
				}
				next = append(next, nk)
			}
		}
		queue = next
	}

	return visited, nil
}

// resolve loads display data for every discovered key. A key that no
// longer resolves (for instance an edge endpoint the validator never
// wrote) is skipped. Every resolved node also pulls in its grounding
// evidence, so a node reached at the depth limit still carries its
// supporting text even when the Evidence node itself sits one hop beyond
// it.
func (r *Retriever) resolve(ctx context.Context, discovered map[string]visit) ([]Item, error) {
	keys := make([]string, 0, len(discovered))
	for key := range discovered {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	present := make(map[string]bool, len(discovered))
	for _, key := range keys {
		present[key] = true
	}

	items := make([]Item, 0, len(discovered))
	for _, key := range keys {
		v := discovered[key]
		item := Item{Key: key, Depth: v.depth, Score: v.score, Path: v.path}

		if strings.HasPrefix(key, schema.NodeEvidence+":") {
			hit, err := r.graph.EvidenceByKey(ctx, key)
			if err != nil {
				slog.Debug("skipping unresolvable evidence key", "key", key, "error", err)
				continue
			}
			item.Evidence = &hit.Evidence
			items = append(items, item)
			continue
		}

		hit, err := r.graph.NodeByKey(ctx, key)
		if err != nil {
			slog.Debug("skipping unresolvable node key", "key", key, "error", err)
			continue
		}
		item.Node = &hit.Node
		items = append(items, item)

		ground, err := r.graph.EvidenceForNode(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("grounding evidence for %s: %w", key, err)
		}
		for _, g := range ground {
			if present[g.Key] {
				continue
			}
			present[g.Key] = true
			ev := g.Evidence
			path := make([]string, len(v.path), len(v.path)+1)
			copy(path, v.path)
			items = append(items, Item{
				Key:      g.Key,
				Depth:    v.depth,
				Score:    v.score,
				Path:     append(path, g.Key),
				Evidence: &ev,
			})
		}
	}
	return items, nil
}
