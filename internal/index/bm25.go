// Package index provides the sparse lexical index: BM25 scoring over
// tokenized corpus content. Scores are normalized per query by the top
// observed score so they combine meaningfully with dense similarities.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"riacouncil/internal/logging"
)

// BM25 parameters. Standard values; not exposed as knobs.
const (
	k1 = 1.5
	b  = 0.75
)

// ScoredDoc is a document id with its normalized BM25 score.
type ScoredDoc struct {
	ID    string
	Score float64
}

// BM25Index is an in-memory inverted index with BM25 scoring.
// Safe for concurrent use; reads are lock-shared.
type BM25Index struct {
	mu        sync.RWMutex
	postings  map[string]map[string]int // term -> docID -> term frequency
	docLens   map[string]int            // docID -> token count
	totalLen  int                       // sum of all doc lengths
}

// NewBM25Index creates an empty index.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		postings: make(map[string]map[string]int),
		docLens:  make(map[string]int),
	}
}

// Add indexes a document's tokens under id. Re-adding an id replaces its
// previous postings so the operation is idempotent.
func (ix *BM25Index) Add(id string, tokens []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.docLens[id]; ok {
		ix.totalLen -= old
		for term, docs := range ix.postings {
			if _, had := docs[id]; had {
				delete(docs, id)
				if len(docs) == 0 {
					delete(ix.postings, term)
				}
			}
		}
	}

	ix.docLens[id] = len(tokens)
	ix.totalLen += len(tokens)
	for _, term := range tokens {
		docs, ok := ix.postings[term]
		if !ok {
			docs = make(map[string]int)
			ix.postings[term] = docs
		}
		docs[id]++
	}

	logging.IndexDebug("Indexed document %s (%d tokens)", id, len(tokens))
}

// Remove drops a document from the index. Unknown ids are a no-op.
func (ix *BM25Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	old, ok := ix.docLens[id]
	if !ok {
		return
	}
	ix.totalLen -= old
	delete(ix.docLens, id)
	for term, docs := range ix.postings {
		if _, had := docs[id]; had {
			delete(docs, id)
			if len(docs) == 0 {
				delete(ix.postings, term)
			}
		}
	}
}

// Len returns the number of indexed documents.
func (ix *BM25Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLens)
}

// Score computes BM25 scores for the query tokens over the whole corpus,
// normalized by the top observed score. Results are ordered by score
// descending, then id ascending for determinism. Empty corpus or query
// returns nil.
func (ix *BM25Index) Score(queryTokens []string) []ScoredDoc {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLens)
	if n == 0 || len(queryTokens) == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)

	raw := make(map[string]float64)
	for _, term := range queryTokens {
		docs, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := float64(len(docs))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range docs {
			dl := float64(ix.docLens[id])
			num := float64(tf) * (k1 + 1)
			den := float64(tf) + k1*(1-b+b*dl/avgLen)
			raw[id] += idf * num / den
		}
	}
	if len(raw) == 0 {
		return nil
	}

	results := make([]ScoredDoc, 0, len(raw))
	var top float64
	for id, score := range raw {
		if score > top {
			top = score
		}
		results = append(results, ScoredDoc{ID: id, Score: score})
	}
	if top > 0 {
		for i := range results {
			results[i].Score /= top
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// Snapshot is the serializable form of the index.
type Snapshot struct {
	Postings map[string]map[string]int `json:"postings"`
	DocLens  map[string]int            `json:"doc_lens"`
	TotalLen int                       `json:"total_len"`
}

// Snapshot returns a deep copy of the index state for persistence.
func (ix *BM25Index) Snapshot() Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	snap := Snapshot{
		Postings: make(map[string]map[string]int, len(ix.postings)),
		DocLens:  make(map[string]int, len(ix.docLens)),
		TotalLen: ix.totalLen,
	}
	for term, docs := range ix.postings {
		cp := make(map[string]int, len(docs))
		for id, tf := range docs {
			cp[id] = tf
		}
		snap.Postings[term] = cp
	}
	for id, l := range ix.docLens {
		snap.DocLens[id] = l
	}
	return snap
}

// Restore replaces the index state from a snapshot.
func (ix *BM25Index) Restore(snap Snapshot) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.postings = make(map[string]map[string]int, len(snap.Postings))
	for term, docs := range snap.Postings {
		cp := make(map[string]int, len(docs))
		for id, tf := range docs {
			cp[id] = tf
		}
		ix.postings[term] = cp
	}
	ix.docLens = make(map[string]int, len(snap.DocLens))
	for id, l := range snap.DocLens {
		ix.docLens[id] = l
	}
	ix.totalLen = snap.TotalLen
}

// =============================================================================
// TOKENIZATION
// =============================================================================

// Tokenize splits text on whitespace and punctuation, lowercases, and
// drops stopwords and single-character tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// stopwords are filtered from both documents and queries.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true,
	"into": true, "through": true, "during": true, "before": true, "after": true,
	"and": true, "but": true, "or": true, "nor": true, "so": true, "yet": true,
	"if": true, "then": true, "else": true, "when": true, "where": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "not": true, "no": true, "such": true,
	"any": true, "all": true, "each": true, "which": true, "who": true,
	"their": true, "there": true, "than": true, "also": true,
}
