// Package vectorstore unifies dense embeddings, the BM25 sparse index, and
// a metadata catalog behind one hybrid search operation. Chunks are held as
// an arena keyed by id; the knowledge graph shares the same id space.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"riacouncil/internal/corpus"
	"riacouncil/internal/embedding"
	"riacouncil/internal/index"
	"riacouncil/internal/logging"
)

// Mode selects which scoring paths participate in a search.
type Mode string

const (
	ModeDense  Mode = "dense"
	ModeSparse Mode = "sparse"
	ModeHybrid Mode = "hybrid"
)

// Default hybrid weights.
const (
	DefaultDenseWeight  = 0.7
	DefaultSparseWeight = 0.3
)

// Hit is a scored search result.
type Hit struct {
	Chunk  corpus.Chunk
	Score  float64
	Dense  float64
	Sparse float64
}

// Filter is a conjunction over metadata keys. A slice value means "any
// of". Supported keys: jurisdiction, document_type, year, year_min,
// year_max, kind, category.
type Filter map[string]interface{}

// SearchOptions configure a search call. Zero values take defaults.
type SearchOptions struct {
	TopK         int
	Mode         Mode
	DenseWeight  float64
	SparseWeight float64
	Filter       Filter
}

type entry struct {
	chunk  corpus.Chunk
	vector []float32
}

// Store is the unified vector store. Reads are lock-shared; writes occur
// only during ingestion and knowledge-base updates.
type Store struct {
	mu       sync.RWMutex
	embedder embedding.Engine
	sparse   *index.BM25Index
	entries  map[string]*entry
	hashes   map[string]string // content hash -> chunk id
}

// New creates a store over the given embedding engine.
func New(embedder embedding.Engine) *Store {
	return &Store{
		embedder: embedder,
		sparse:   index.NewBM25Index(),
		entries:  make(map[string]*entry),
		hashes:   make(map[string]string),
	}
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the chunk stored under id.
func (s *Store) Get(id string) (corpus.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return corpus.Chunk{}, false
	}
	return e.chunk, true
}

// Has reports whether a chunk id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// ChunkIDs returns all stored chunk ids in sorted order.
func (s *Store) ChunkIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chunks returns all stored chunks ordered by id.
func (s *Store) Chunks() []corpus.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	chunks := make([]corpus.Chunk, 0, len(ids))
	for _, id := range ids {
		chunks = append(chunks, s.entries[id].chunk)
	}
	return chunks
}

// Add embeds, tokenizes, and records a batch of chunks. Idempotent: a
// chunk whose id or normalized content hash is already present is skipped.
// An embedding failure rolls the whole batch back; nothing partial lands.
func (s *Store) Add(ctx context.Context, chunks []corpus.Chunk) error {
	timer := logging.StartTimer(logging.CategoryVector, "Add")
	defer timer.Stop()

	if len(chunks) == 0 {
		return nil
	}

	// Decide what is genuinely new under the read lock first; embedding is
	// slow and must not hold the write lock.
	s.mu.RLock()
	var fresh []corpus.Chunk
	seen := make(map[string]bool)
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			s.mu.RUnlock()
			return err
		}
		hash := corpus.ContentHash(c.Content)
		if _, ok := s.entries[c.ID]; ok {
			continue
		}
		if _, ok := s.hashes[hash]; ok {
			continue
		}
		if seen[c.ID] || seen[hash] {
			continue
		}
		seen[c.ID] = true
		seen[hash] = true
		fresh = append(fresh, c)
	}
	s.mu.RUnlock()

	if len(fresh) == 0 {
		logging.VectorDebug("Add: all %d chunks already present", len(chunks))
		return nil
	}

	texts := make([]string, len(fresh))
	for i, c := range fresh {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("batch embedding failed, batch rolled back: %w", err)
	}
	if len(vectors) != len(fresh) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(fresh))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range fresh {
		// Re-check under the write lock: a concurrent Add may have landed.
		if _, ok := s.entries[c.ID]; ok {
			continue
		}
		s.entries[c.ID] = &entry{chunk: c, vector: vectors[i]}
		s.hashes[corpus.ContentHash(c.Content)] = c.ID
		s.sparse.Add(c.ID, index.Tokenize(c.Content))
	}

	logging.Vector("Added %d chunks (%d duplicates skipped)", len(fresh), len(chunks)-len(fresh))
	return nil
}

// Search runs a dense, sparse, or hybrid query. An empty corpus returns an
// empty result, never an error.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if s.Len() == 0 {
		return nil, nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	wd, ws := resolveWeights(mode, opts.DenseWeight, opts.SparseWeight)

	// Sparse scores, normalized per query by the top observed score.
	sparseScores := make(map[string]float64)
	if ws > 0 {
		for _, sd := range s.sparse.Score(index.Tokenize(query)) {
			sparseScores[sd.ID] = sd.Score
		}
	}

	// Dense scores via cosine similarity against the query embedding.
	denseScores := make(map[string]float64)
	if wd > 0 {
		qv, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		s.mu.RLock()
		for id, e := range s.entries {
			sim, err := embedding.CosineSimilarity(qv, e.vector)
			if err != nil {
				continue
			}
			denseScores[id] = sim
		}
		s.mu.RUnlock()
	}

	s.mu.RLock()
	ranked := make([]Hit, 0, len(s.entries))
	for id, e := range s.entries {
		d := denseScores[id]
		sp := sparseScores[id]
		if d == 0 && sp == 0 {
			continue
		}
		ranked = append(ranked, Hit{Chunk: e.chunk, Score: wd*d + ws*sp, Dense: d, Sparse: sp})
	}
	s.mu.RUnlock()

	// Deterministic ordering: combined score, then dense score, then id.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Dense != ranked[j].Dense {
			return ranked[i].Dense > ranked[j].Dense
		}
		return ranked[i].Chunk.ID < ranked[j].Chunk.ID
	})

	// Filtering is applied post-scoring over the top-M candidates with
	// refill until topK satisfied or candidates exhausted.
	window := 5 * topK
	var hits []Hit
	for start := 0; start < len(ranked) && len(hits) < topK; start += window {
		end := start + window
		if end > len(ranked) {
			end = len(ranked)
		}
		for _, h := range ranked[start:end] {
			if len(hits) >= topK {
				break
			}
			if MatchesFilter(h.Chunk, opts.Filter) {
				hits = append(hits, h)
			}
		}
	}

	logging.VectorDebug("Search returned %d/%d hits (mode=%s topK=%d)", len(hits), len(ranked), mode, topK)
	return hits, nil
}

// resolveWeights clamps weights to non-negative and applies mode
// exclusivity: dense mode zeroes the sparse weight and vice versa.
func resolveWeights(mode Mode, wd, ws float64) (float64, float64) {
	if wd == 0 && ws == 0 {
		wd, ws = DefaultDenseWeight, DefaultSparseWeight
	}
	if wd < 0 {
		wd = 0
	}
	if ws < 0 {
		ws = 0
	}
	switch mode {
	case ModeDense:
		if wd == 0 {
			wd = 1
		}
		ws = 0
	case ModeSparse:
		if ws == 0 {
			ws = 1
		}
		wd = 0
	}
	return wd, ws
}

// MatchesFilter evaluates the conjunction filter against chunk metadata.
func MatchesFilter(c corpus.Chunk, f Filter) bool {
	if len(f) == 0 {
		return true
	}
	for key, want := range f {
		switch key {
		case "jurisdiction":
			if !matchString(c.Metadata.Jurisdiction, want) {
				return false
			}
		case "document_type":
			if !matchString(c.Metadata.DocumentType, want) {
				return false
			}
		case "kind":
			if !matchString(string(c.Kind), want) {
				return false
			}
		case "year":
			if y, ok := asInt(want); !ok || c.Metadata.Year != y {
				return false
			}
		case "year_min":
			if y, ok := asInt(want); !ok || c.Metadata.Year < y {
				return false
			}
		case "year_max":
			if y, ok := asInt(want); !ok || c.Metadata.Year > y {
				return false
			}
		case "category":
			if !matchCategory(c.Metadata.Categories, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchString(have string, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return have == w
	case []string:
		for _, v := range w {
			if have == v {
				return true
			}
		}
		return false
	case []interface{}:
		for _, v := range w {
			if sv, ok := v.(string); ok && have == sv {
				return true
			}
		}
		return false
	}
	return false
}

func matchCategory(have []corpus.PolicyCategory, want interface{}) bool {
	anyOf := func(target string) bool {
		for _, c := range have {
			if string(c) == target {
				return true
			}
		}
		return false
	}
	switch w := want.(type) {
	case string:
		return anyOf(w)
	case corpus.PolicyCategory:
		return anyOf(string(w))
	case []string:
		for _, v := range w {
			if anyOf(v) {
				return true
			}
		}
		return false
	case []corpus.PolicyCategory:
		for _, v := range w {
			if anyOf(string(v)) {
				return true
			}
		}
		return false
	}
	return false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
