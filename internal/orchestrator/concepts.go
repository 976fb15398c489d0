package orchestrator

import (
	"strings"
	"unicode"
)

// stopwords contains common English words excluded from concept extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "be": true, "been": true,
	"being": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "not": true,
	"no": true, "and": true, "or": true, "but": true, "if": true,
	"then": true, "than": true, "so": true, "as": true, "at": true,
	"by": true, "for": true, "from": true, "in": true, "into": true,
	"of": true, "on": true, "to": true, "with": true, "about": true,
	"up": true, "out": true, "it": true, "its": true, "this": true,
	"that": true, "what": true, "which": true, "who": true, "how": true,
	"when": true, "where": true, "why": true, "you": true, "me": true,
	"i": true, "my": true, "your": true, "we": true, "they": true,
	"he": true, "she": true, "her": true, "him": true, "us": true,
	"them": true, "tell": true, "please": true, "more": true,
}

// tokenize splits text into unique lowercase non-stopword tokens, preserving
// first-occurrence order.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var tokens []string
	for _, w := range words {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// tokenSet returns the tokens of text as a set.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(text) {
		set[t] = true
	}
	return set
}

// keywordOverlap is the fraction of query tokens present in the content.
func keywordOverlap(contentTokens map[string]bool, queryTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range queryTokens {
		if contentTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// conceptOverlap is the strength-weighted fraction of active concepts present
// in the content.
func conceptOverlap(contentTokens map[string]bool, concepts map[string]conceptEntry) float64 {
	var total, matched float64
	for concept, entry := range concepts {
		total += entry.Strength
		if contentTokens[concept] {
			matched += entry.Strength
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// normalizedPriority maps an authored priority (conventionally 0..100) into
// [0,1], clamping outliers.
func normalizedPriority(priority int) float64 {
	if priority <= 0 {
		return 0
	}
	if priority >= 100 {
		return 1
	}
	return float64(priority) / 100
}

// tokenSimilarity is the Jaccard overlap of two token sets, used by the
// semantic clustering pass.
func tokenSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
