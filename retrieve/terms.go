package retrieve

import "strings"

// ExtractTerms returns the meaningful words from a question, lowercased,
// deduplicated, with punctuation and stop words removed. These become the
// keyword anchors for graph search.
func ExtractTerms(query string) []string {
	replacer := strings.NewReplacer(
		"\"", "", "*", "", "(", "", ")", "",
		"+", "", "^", "", ":", "",
		"?", "", "[", "", "]", "", "{", "",
		"}", "", "!", "", ".", "", ",", "",
		";", "", "'", "",
	)
	cleaned := replacer.Replace(query)
	words := strings.Fields(cleaned)

	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) > 2 && !isStopWord(lower) && !seen[lower] {
			seen[lower] = true
			terms = append(terms, lower)
		}
	}
	return terms
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
