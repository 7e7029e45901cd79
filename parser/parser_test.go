package parser

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTextParserSinglePage(t *testing.T) {
	path := writeFile(t, "report.txt", "Company X planted trees.\nThe program mitigates deforestation.")

	doc, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Source != "report.txt" {
		t.Errorf("source = %q, want %q", doc.Source, "report.txt")
	}
	if len(doc.Pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(doc.Pages))
	}
	if doc.Pages[0].Number != 1 {
		t.Errorf("page number = %d, want 1", doc.Pages[0].Number)
	}
	if !strings.Contains(doc.Pages[0].Text, "mitigates deforestation") {
		t.Errorf("page text missing content: %q", doc.Pages[0].Text)
	}
}

func TestTextParserFormFeedPages(t *testing.T) {
	path := writeFile(t, "report.txt", "page one\fpage two\f\fpage four")

	doc, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(doc.Pages))
	}
	// Blank segments are dropped but numbering follows file position.
	if doc.Pages[2].Number != 4 {
		t.Errorf("last page number = %d, want 4", doc.Pages[2].Number)
	}
	if doc.Pages[2].Text != "page four" {
		t.Errorf("last page text = %q", doc.Pages[2].Text)
	}
}

func TestTextParserEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.txt", "   \n  ")

	if _, err := (&TextParser{}).Parse(context.Background(), path); err == nil {
		t.Fatal("expected error for empty file, got nil")
	}
}

func TestRegistryForPath(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		path     string
		wantType string
		wantErr  bool
	}{
		{"reports/annual.pdf", "*parser.PDFParser", false},
		{"reports/ANNUAL.PDF", "*parser.PDFParser", false},
		{"notes.txt", "*parser.TextParser", false},
		{"deck.pptx", "", true},
		{"noextension", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := r.ForPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("ForPath(%q): %v", tt.path, err)
			}
			if got := typeName(p); got != tt.wantType {
				t.Errorf("parser type = %s, want %s", got, tt.wantType)
			}
		})
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *PDFParser:
		return "*parser.PDFParser"
	case *TextParser:
		return "*parser.TextParser"
	default:
		return "unknown"
	}
}

func TestStripRunningLines(t *testing.T) {
	header := "Nature Report 2025"
	pages := make([]Page, 6)
	for i := range pages {
		pages[i] = Page{
			Number: i + 1,
			Text:   header + "\nBody content for page " + string(rune('A'+i)) + "\nmore body text\n" + strconv.Itoa(i+1),
		}
	}

	out := stripRunningLines(pages)
	if len(out) != 6 {
		t.Fatalf("pages = %d, want 6", len(out))
	}
	for _, p := range out {
		if strings.Contains(p.Text, header) {
			t.Errorf("page %d still contains running header: %q", p.Number, p.Text)
		}
		if strings.HasSuffix(p.Text, strconv.Itoa(p.Number)) {
			t.Errorf("page %d still contains page number footer: %q", p.Number, p.Text)
		}
		if !strings.Contains(p.Text, "Body content") {
			t.Errorf("page %d lost body text: %q", p.Number, p.Text)
		}
	}
}

func TestStripRunningLinesKeepsUniqueBoundaries(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "Executive summary\nbody\nbody\nend one"},
		{Number: 2, Text: "Risk assessment\nbody\nbody\nend two"},
		{Number: 3, Text: "Action plan\nbody\nbody\nend three"},
	}

	out := stripRunningLines(pages)
	if len(out) != 3 {
		t.Fatalf("pages = %d, want 3", len(out))
	}
	if !strings.HasPrefix(out[0].Text, "Executive summary") {
		t.Errorf("unique heading was stripped: %q", out[0].Text)
	}
}
