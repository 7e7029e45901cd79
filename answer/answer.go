// Package answer turns a ranked retrieval context into a cited natural
// language answer. One generation round, temperature zero; the model only
// sees facts the retriever found, and every evidence chunk is numbered so
// the answer can cite it.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tnfdlab/naturekg/llm"
	"github.com/tnfdlab/naturekg/retrieve"
	"github.com/tnfdlab/naturekg/schema"
)

// Source is one evidence chunk the answer may cite.
type Source struct {
	Ref        int      `json:"ref"`
	Key        string   `json:"key"`
	SourceDoc  string   `json:"source_doc"`
	ChunkIndex int      `json:"chunk_index"`
	PageNum    int      `json:"page_num"`
	Excerpt    string   `json:"excerpt"`
	Score      float64  `json:"score"`
	Path       []string `json:"path,omitempty"`
}

// Answer is the final response for one question.
type Answer struct {
	Text             string   `json:"text"`
	Sources          []Source `json:"sources"`
	ModelUsed        string   `json:"model_used,omitempty"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
}

// NoContextAnswer is the text returned without a model call when retrieval found
// nothing: an empty context is a valid outcome, not an error.
const NoContextAnswer = "The knowledge graph contains no information relevant to this question."

const systemPrompt = `You are a TNFD (Taskforce on Nature-related Financial Disclosures) analyst answering questions about sustainability reports.
Answer ONLY from the provided graph facts and source excerpts. Do not use outside knowledge.
Cite sources inline as [Source N]. If the provided context does not answer the question, say so plainly.`

// Assembler generates cited answers from retrieval contexts.
type Assembler struct {
	chat llm.Provider
}

// New creates an answer assembler backed by the given chat provider.
func New(chat llm.Provider) *Assembler {
	return &Assembler{chat: chat}
}

// Answer generates a cited answer for the question from the retrieval
// context.
func (a *Assembler) Answer(ctx context.Context, question string, rctx *retrieve.Context) (*Answer, error) {
	if rctx == nil || len(rctx.Items) == 0 {
		return &Answer{Text: NoContextAnswer}, nil
	}

	sources := collectSources(rctx)
	prompt := buildPrompt(question, rctx, sources)

	start := time.Now()
	resp, err := a.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation: %w", err)
	}
	slog.Info("answer generated",
		"tokens", resp.TotalTokens,
		"sources", len(sources),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Answer{
		Text:             strings.TrimSpace(resp.Content),
		Sources:          sources,
		ModelUsed:        resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
	}, nil
}

// collectSources pulls the evidence items out of a retrieval context and
// numbers them in rank order.
func collectSources(rctx *retrieve.Context) []Source {
	var sources []Source
	for _, item := range rctx.Items {
		if item.Evidence == nil {
			continue
		}
		sources = append(sources, Source{
			Ref:        len(sources) + 1,
			Key:        item.Key,
			SourceDoc:  item.Evidence.SourceDoc,
			ChunkIndex: item.Evidence.ChunkIndex,
			PageNum:    item.Evidence.PageNum,
			Excerpt:    item.Evidence.Text,
			Score:      item.Score,
			Path:       item.Path,
		})
	}
	return sources
}

// buildPrompt renders the graph facts and numbered excerpts for the model.
func buildPrompt(question string, rctx *retrieve.Context, sources []Source) string {
	var b strings.Builder

	b.WriteString("GRAPH FACTS:\n")
	b.WriteString(renderFacts(rctx))

	b.WriteString("\nSOURCE EXCERPTS:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "[Source %d] (%s, chunk %d", s.Ref, s.SourceDoc, s.ChunkIndex)
		if s.PageNum > 0 {
			fmt.Fprintf(&b, ", page %d", s.PageNum)
		}
		b.WriteString(")\n")
		b.WriteString(s.Excerpt)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "QUESTION: %s\n", question)
	return b.String()
}

// renderFacts lists the retrieved nodes and the traversal paths that
// reached them, so the model sees how entities connect.
func renderFacts(rctx *retrieve.Context) string {
	var b strings.Builder

	for _, item := range rctx.Items {
		if item.Node == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", item.Node.Type, item.Node.Name)
		if len(item.Node.Props) > 0 {
			keys := make([]string, 0, len(item.Node.Props))
			for k := range item.Node.Props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var props []string
			for _, k := range keys {
				props = append(props, k+"="+item.Node.Props[k])
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(props, ", "))
		}
		if len(item.Path) > 1 {
			fmt.Fprintf(&b, " [reached via %s]", strings.Join(displayPath(item.Path), " -> "))
		}
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return "(none)\n"
	}
	return b.String()
}

// displayPath strips type prefixes from logical keys for readability.
func displayPath(path []string) []string {
	out := make([]string, len(path))
	for i, key := range path {
		if _, name, ok := schema.ParseNodeKey(key); ok {
			out[i] = name
			continue
		}
		if doc, idx, ok := schema.ParseEvidenceKey(key); ok {
			out[i] = fmt.Sprintf("%s#%d", doc, idx)
			continue
		}
		out[i] = key
	}
	return out
}
