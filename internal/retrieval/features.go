// Package retrieval routes proposal queries across the vector store and
// the knowledge graph, merges and deduplicates results, validates
// sufficiency, and synthesizes the labeled context bundle the council
// consumes.
package retrieval

import (
	"strings"

	"riacouncil/internal/corpus"
)

// Complexity buckets a proposal's analytical complexity.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// QueryFeatures are the extracted retrieval features of a proposal.
type QueryFeatures struct {
	QueryText  string
	Categories []corpus.PolicyCategory
	Complexity Complexity
}

// ExtractFeatures scans a proposal for category tags using case-insensitive
// substring matching over the closed category set plus the synonym table,
// and buckets complexity by length.
func ExtractFeatures(proposal string) QueryFeatures {
	lower := strings.ToLower(proposal)

	seen := make(map[corpus.PolicyCategory]bool)
	var cats []corpus.PolicyCategory
	add := func(c corpus.PolicyCategory) {
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}

	for _, c := range corpus.AllCategories {
		if strings.Contains(lower, strings.ToLower(string(c))) {
			add(c)
		}
	}
	for term, c := range corpus.CategorySynonyms {
		if strings.Contains(lower, term) {
			add(c)
		}
	}
	// Canonical category order keeps feature extraction deterministic
	// regardless of map iteration.
	ordered := make([]corpus.PolicyCategory, 0, len(cats))
	for _, c := range corpus.AllCategories {
		if seen[c] {
			ordered = append(ordered, c)
		}
	}

	words := len(strings.Fields(proposal))
	complexity := ComplexityLow
	switch {
	case words >= 400:
		complexity = ComplexityHigh
	case words >= 100:
		complexity = ComplexityMedium
	}

	return QueryFeatures{
		QueryText:  proposal,
		Categories: ordered,
		Complexity: complexity,
	}
}
