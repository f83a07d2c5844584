package retrieval

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ftsQuery turns free text into an FTS5 query that ORs quoted terms, so user
// punctuation can never produce an FTS syntax error. Empty when no terms remain.
func ftsQuery(text string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range Tokenize(text) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}
