package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Document is the parsed form of a report file: ordered pages of plain
// text, ready for chunking.
type Document struct {
	Source string // base name of the input file, used as the document id
	Pages  []Page
}

// Page is one page of extracted text. Numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Document, error)
	SupportedFormats() []string
}

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&PDFParser{}, &TextParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Register adds or replaces the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[strings.ToLower(format)] = p
}

// Get returns the parser for a format.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// ForPath returns the parser for a file path, keyed on its extension.
func (r *Registry) ForPath(path string) (Parser, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return nil, fmt.Errorf("no file extension on %s", path)
	}
	return r.Get(ext)
}
