package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TextParser handles plain text (.txt) report exports. Form feed
// characters are treated as page breaks; without them the whole file is
// a single page.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	doc := &Document{Source: filepath.Base(path)}
	for i, raw := range strings.Split(string(data), "\f") {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		doc.Pages = append(doc.Pages, Page{Number: i + 1, Text: text})
	}

	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("no text in %s", path)
	}
	return doc, nil
}
