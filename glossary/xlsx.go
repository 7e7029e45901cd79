package glossary

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LoadXLSX reads glossary terms from a spreadsheet and layers them over the
// built-in vocabulary. The first sheet is read with the column layout
// Term | Category | Definition | Aliases, where Aliases is a
// semicolon-separated list. A header row is detected and skipped.
func LoadXLSX(path string) (*Glossary, error) {
	terms, err := ReadXLSXTerms(path)
	if err != nil {
		return nil, err
	}
	return New(append(append([]Term{}, builtinTerms...), terms...)), nil
}

// ReadXLSXTerms parses the raw term rows from a spreadsheet.
func ReadXLSXTerms(path string) ([]Term, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening glossary spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("glossary spreadsheet has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}

	var terms []Term
	for i, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "term") {
			continue
		}

		t := Term{Name: strings.TrimSpace(row[0])}
		if len(row) > 1 {
			t.Category = strings.TrimSpace(row[1])
		}
		if len(row) > 2 {
			t.Definition = strings.TrimSpace(row[2])
		}
		if len(row) > 3 {
			for _, a := range strings.Split(row[3], ";") {
				if a = strings.TrimSpace(a); a != "" {
					t.Aliases = append(t.Aliases, a)
				}
			}
		}
		terms = append(terms, t)
	}

	if len(terms) == 0 {
		return nil, fmt.Errorf("no glossary terms found in %s", path)
	}
	return terms, nil
}
