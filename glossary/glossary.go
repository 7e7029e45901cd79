// Package glossary carries the TNFD vocabulary: canonical terms, their
// definitions, and aliases. The retriever uses it to widen keyword anchors
// ("NbS" finds "Nature-based Solutions"); ingestion tooling can load
// organisation-specific vocabularies from spreadsheets on top of the
// built-in set.
package glossary

import (
	"sort"
	"strings"
)

// Term is one glossary entry.
type Term struct {
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
	Category   string   `json:"category"`
	Aliases    []string `json:"aliases,omitempty"`
}

// Term categories.
const (
	CategoryFramework = "Framework"
	CategoryNature    = "Nature"
	CategoryRisk      = "Risk"
	CategoryImpact    = "Impact"
	CategoryAction    = "Action"
)

// Match is one glossary term found in a text, at its first position.
type Match struct {
	Term     Term   `json:"term"`
	Alias    string `json:"alias,omitempty"`
	Position int    `json:"position"`
}

// Glossary indexes terms by their lowercased name and aliases.
type Glossary struct {
	terms   []Term
	byAlias map[string]int // lowercased name or alias -> index into terms
}

// New builds a glossary from the given terms. Later terms override earlier
// ones with the same name, which is how a loaded spreadsheet extends the
// built-in vocabulary.
func New(terms []Term) *Glossary {
	g := &Glossary{byAlias: make(map[string]int)}
	byName := make(map[string]int)

	for _, t := range terms {
		key := strings.ToLower(t.Name)
		if i, ok := byName[key]; ok {
			g.terms[i] = t
		} else {
			byName[key] = len(g.terms)
			g.terms = append(g.terms, t)
		}
	}
	for i, t := range g.terms {
		g.byAlias[strings.ToLower(t.Name)] = i
		for _, a := range t.Aliases {
			g.byAlias[strings.ToLower(a)] = i
		}
	}
	return g
}

// Default returns the built-in TNFD vocabulary.
func Default() *Glossary {
	return New(builtinTerms)
}

// Terms returns all entries, ordered by name.
func (g *Glossary) Terms() []Term {
	out := make([]Term, len(g.terms))
	copy(out, g.terms)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a term by name or alias, case-insensitively.
func (g *Glossary) Lookup(name string) (Term, bool) {
	i, ok := g.byAlias[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Term{}, false
	}
	return g.terms[i], true
}

// ByCategory returns the term names in one category, ordered.
func (g *Glossary) ByCategory(category string) []string {
	var names []string
	for _, t := range g.terms {
		if t.Category == category {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Expand widens keyword terms with glossary knowledge: a term matching a
// name or alias contributes the canonical name and every alias. Unknown
// terms pass through untouched. Output is deduplicated, lowercase, and
// preserves input order before appending expansions.
func (g *Glossary) Expand(terms []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, t := range terms {
		add(t)
	}
	for _, t := range terms {
		if entry, ok := g.Lookup(t); ok {
			add(entry.Name)
			for _, a := range entry.Aliases {
				add(a)
			}
		}
	}
	return out
}

// FindTerms scans a text for glossary terms and aliases, case-insensitively,
// returning matches ordered by first position.
func (g *Glossary) FindTerms(text string) []Match {
	lower := strings.ToLower(text)
	var matches []Match

	for _, t := range g.terms {
		if pos := strings.Index(lower, strings.ToLower(t.Name)); pos >= 0 {
			matches = append(matches, Match{Term: t, Position: pos})
			continue
		}
		for _, a := range t.Aliases {
			if pos := strings.Index(lower, strings.ToLower(a)); pos >= 0 {
				matches = append(matches, Match{Term: t, Alias: a, Position: pos})
				break
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Position != matches[j].Position {
			return matches[i].Position < matches[j].Position
		}
		return matches[i].Term.Name < matches[j].Term.Name
	})
	return matches
}

// builtinTerms is the TNFD core vocabulary.
var builtinTerms = []Term{
	{Name: "LEAP", Category: CategoryFramework,
		Definition: "Locate, Evaluate, Assess, Prepare: the TNFD risk and opportunity assessment framework."},
	{Name: "Locate", Category: CategoryFramework,
		Definition: "Identify where the organisation's activities interface with nature."},
	{Name: "Evaluate", Category: CategoryFramework,
		Definition: "Evaluate dependencies and impacts on nature."},
	{Name: "Assess", Category: CategoryFramework,
		Definition: "Assess nature-related risks and opportunities."},
	{Name: "Prepare", Category: CategoryFramework,
		Definition: "Prepare the response strategy and disclosures."},

	{Name: "Natural Capital", Category: CategoryNature,
		Definition: "The stock of natural resources providing ecosystem services: water, soil, air, biodiversity.",
		Aliases:    []string{"natural assets"}},
	{Name: "Ecosystem Services", Category: CategoryNature,
		Definition: "Benefits nature provides to people: provisioning, regulating, cultural, supporting services."},
	{Name: "Biodiversity", Category: CategoryNature,
		Definition: "The variety of life at species, ecosystem, and genetic level.",
		Aliases:    []string{"biological diversity"}},
	{Name: "Biome", Category: CategoryNature,
		Definition: "A large ecological region sharing climate and ecosystem characteristics."},

	{Name: "Physical Risk", Category: CategoryRisk,
		Definition: "Risk from direct physical effects of nature change, acute or chronic."},
	{Name: "Acute Risk", Category: CategoryRisk,
		Definition: "Short-onset risk such as extreme weather events."},
	{Name: "Chronic Risk", Category: CategoryRisk,
		Definition: "Gradual long-term change such as declining water availability."},
	{Name: "Transition Risk", Category: CategoryRisk,
		Definition: "Risk from policy, technology, or market shifts in response to nature change."},
	{Name: "Water Stress", Category: CategoryRisk,
		Definition: "Demand for water approaching or exceeding available supply.",
		Aliases:    []string{"water scarcity"}},

	{Name: "Driver of Change", Category: CategoryImpact,
		Definition: "A factor causing nature change: land use change, pollution, climate change."},
	{Name: "Land Use Change", Category: CategoryImpact,
		Definition: "Habitat change from agriculture, urbanisation, or other land conversion.",
		Aliases:    []string{"land conversion"}},
	{Name: "Pollution", Category: CategoryImpact,
		Definition: "Contamination of air, water, or soil."},
	{Name: "Overexploitation", Category: CategoryImpact,
		Definition: "Use of natural resources beyond their rate of renewal.",
		Aliases:    []string{"overuse"}},

	{Name: "Avoid", Category: CategoryAction,
		Definition: "Avoid impacts and dependencies on nature altogether."},
	{Name: "Reduce", Category: CategoryAction,
		Definition: "Minimise impacts and dependencies that cannot be avoided.",
		Aliases:    []string{"reduction"}},
	{Name: "Restore", Category: CategoryAction,
		Definition: "Restore degraded ecosystems.",
		Aliases:    []string{"restoration", "reforestation"}},
	{Name: "Regenerate", Category: CategoryAction,
		Definition: "Actively improve ecosystem function beyond restoration.",
		Aliases:    []string{"regenerative"}},
	{Name: "Nature-based Solutions", Category: CategoryAction,
		Definition: "Actions that use ecosystems to address societal challenges.",
		Aliases:    []string{"nbs", "nature based solutions"}},
}
