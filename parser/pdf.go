package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts per-page text from a PDF report.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*Document, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	pages := make([]Page, 0, totalPages)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	return &Document{
		Source: filepath.Base(path),
		Pages:  stripRunningLines(pages),
	}, nil
}

// stripRunningLines removes running headers and footers: a boundary line
// repeated on at least half the pages (minimum three) is boilerplate, not
// report content. Page numbers vary per page, so bare numerals at the
// boundaries are dropped unconditionally.
func stripRunningLines(pages []Page) []Page {
	if len(pages) < 3 {
		return pages
	}

	counts := make(map[string]int)
	for _, p := range pages {
		for _, line := range boundaryLines(p.Text) {
			counts[normalizeLine(line)]++
		}
	}

	threshold := len(pages) / 2
	if threshold < 3 {
		threshold = 3
	}

	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		lines := strings.Split(p.Text, "\n")
		kept := lines[:0]
		for i, line := range lines {
			atBoundary := i < 2 || i >= len(lines)-2
			if atBoundary {
				norm := normalizeLine(line)
				if counts[norm] >= threshold || isBareNumber(norm) {
					continue
				}
			}
			kept = append(kept, line)
		}
		text := strings.TrimSpace(strings.Join(kept, "\n"))
		if text == "" {
			continue
		}
		out = append(out, Page{Number: p.Number, Text: text})
	}
	return out
}

// boundaryLines returns up to the first two and last two lines of a page.
func boundaryLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) <= 4 {
		return lines
	}
	return append(append([]string{}, lines[:2]...), lines[len(lines)-2:]...)
}

func normalizeLine(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), " "))
}

func isBareNumber(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
