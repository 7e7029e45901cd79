// Package chunker splits parsed report pages into ordered evidence
// units ready for extraction and embedding.
package chunker

import (
	"strings"

	"github.com/tnfdlab/naturekg/parser"
	"github.com/tnfdlab/naturekg/schema"
)

// Config controls the chunking behaviour.
type Config struct {
	MaxChars int // Maximum characters per chunk.
	Overlap  int // Characters carried over between consecutive chunks.
}

// Chunker converts parsed pages into evidence units. Chunk indices are
// global across the document, so (source_doc, chunk_index) identifies a
// unit regardless of which page it came from.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 1000
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 200
	}
	if cfg.Overlap >= cfg.MaxChars {
		cfg.Overlap = cfg.MaxChars / 4
	}
	return &Chunker{cfg: cfg}
}

// Chunk converts a parsed document into ordered evidence units.
func (c *Chunker) Chunk(doc *parser.Document) []schema.Evidence {
	var units []schema.Evidence
	index := 0
	for _, page := range doc.Pages {
		for _, text := range c.splitText(page.Text) {
			units = append(units, schema.Evidence{
				Text:       text,
				SourceDoc:  doc.Source,
				PageNum:    page.Number,
				ChunkIndex: index,
			})
			index++
		}
	}
	return units
}

// splitText breaks page text into fragments of at most MaxChars,
// splitting at sentence boundaries. Consecutive fragments share the
// trailing Overlap characters of the previous fragment, rounded down
// to a whole sentence.
func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.cfg.MaxChars {
		return []string{text}
	}

	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder

	for _, sent := range sentences {
		// A single sentence longer than MaxChars is split at word
		// boundaries first.
		if len(sent) > c.cfg.MaxChars {
			if current.Len() > 0 {
				fragments = append(fragments, strings.TrimSpace(current.String()))
				current.Reset()
			}
			pieces := splitWords(sent, c.cfg.MaxChars)
			fragments = append(fragments, pieces...)
			current.WriteString(extractOverlap(pieces[len(pieces)-1], c.cfg.Overlap))
			continue
		}

		if current.Len() > 0 && current.Len()+1+len(sent) > c.cfg.MaxChars {
			frag := strings.TrimSpace(current.String())
			fragments = append(fragments, frag)
			current.Reset()
			current.WriteString(extractOverlap(frag, c.cfg.Overlap))
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}

	if s := strings.TrimSpace(current.String()); s != "" && !isOverlapOnly(s, fragments) {
		fragments = append(fragments, s)
	}

	return fragments
}

// isOverlapOnly reports whether the residual buffer holds nothing beyond
// the overlap carried from the last emitted fragment.
func isOverlapOnly(residual string, fragments []string) bool {
	if len(fragments) == 0 {
		return false
	}
	return strings.HasSuffix(fragments[len(fragments)-1], residual)
}

// splitSentences splits on period/question-mark/exclamation followed by
// whitespace or end of string. Newlines inside a sentence collapse to
// spaces so page text flows naturally.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' || r == '\t' {
			r = ' '
		}
		cur.WriteRune(r)
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// splitWords hard-splits an oversized sentence at word boundaries.
func splitWords(sent string, maxChars int) []string {
	words := strings.Fields(sent)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// extractOverlap returns trailing whole sentences of text totalling at
// most maxChars, falling back to trailing words when the last sentence
// alone is too long.
func extractOverlap(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	sentences := splitSentences(text)
	var kept []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		n := len(sentences[i])
		if total+n > maxChars {
			break
		}
		kept = append([]string{sentences[i]}, kept...)
		total += n + 1
	}
	if len(kept) > 0 {
		return strings.Join(kept, " ")
	}

	// Last sentence alone exceeds the overlap budget; take its tail words.
	words := strings.Fields(text)
	var tail []string
	total = 0
	for i := len(words) - 1; i >= 0; i-- {
		n := len(words[i])
		if total+n > maxChars {
			break
		}
		tail = append([]string{words[i]}, tail...)
		total += n + 1
	}
	return strings.Join(tail, " ")
}
