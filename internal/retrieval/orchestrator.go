package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"riacouncil/internal/corpus"
	"riacouncil/internal/graph"
	"riacouncil/internal/logging"
	"riacouncil/internal/vectorstore"
)

// Strategy selects how a query is routed.
type Strategy string

const (
	StrategyVectorOnly Strategy = "vector_only"
	StrategyGraphOnly  Strategy = "graph_only"
	StrategyHybrid     Strategy = "hybrid"
	StrategyGraphFirst Strategy = "graph_first"
)

// ErrInsufficientContext is returned when the quality gate fails even
// after expansion. The workflow routes it to human review.
var ErrInsufficientContext = errors.New("retrieval produced insufficient context")

// InsufficientContextError wraps ErrInsufficientContext with gate details.
type InsufficientContextError struct {
	Hits      int
	MeanScore float64
	Empty     bool // corpus was empty
}

func (e *InsufficientContextError) Error() string {
	if e.Empty {
		return "retrieval produced insufficient context: corpus is empty"
	}
	return fmt.Sprintf("retrieval produced insufficient context: %d hits, top-5 mean score %.3f", e.Hits, e.MeanScore)
}

func (e *InsufficientContextError) Unwrap() error { return ErrInsufficientContext }

// Config holds the retrieval defaults.
type Config struct {
	TopK                int           `yaml:"top_k"`
	DenseWeight         float64       `yaml:"dense_weight"`
	SparseWeight        float64       `yaml:"sparse_weight"`
	MinHits             int           `yaml:"min_hits"`
	MinTopScore         float64       `yaml:"min_top_score"`
	ContextTokenBudget  int           `yaml:"context_token_budget"`
	SearchBudget        time.Duration `yaml:"-"`
	SpecialistThreshold int           `yaml:"specialist_threshold"`
	GraphDepth          int           `yaml:"graph_depth"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		TopK:                10,
		DenseWeight:         vectorstore.DefaultDenseWeight,
		SparseWeight:        vectorstore.DefaultSparseWeight,
		MinHits:             5,
		MinTopScore:         0.35,
		ContextTokenBudget:  8192,
		SearchBudget:        5 * time.Second,
		SpecialistThreshold: 50,
		GraphDepth:          2,
	}
}

// Orchestrator coordinates retrieval across the store and graph.
type Orchestrator struct {
	store *vectorstore.Store
	graph *graph.Graph
	cfg   Config
}

// NewOrchestrator creates an orchestrator. Either source may be nil; the
// strategy selection degrades accordingly.
func NewOrchestrator(store *vectorstore.Store, g *graph.Graph, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{store: store, graph: g, cfg: cfg}
}

// SelectStrategy picks the retrieval strategy for the extracted features.
func (o *Orchestrator) SelectStrategy(features QueryFeatures, filter vectorstore.Filter) Strategy {
	storeReady := o.store != nil && o.store.Len() > 0
	graphReady := o.graph != nil && o.graph.NodeCount() > 0

	if !storeReady && graphReady {
		return StrategyGraphOnly
	}
	if !graphReady {
		return StrategyVectorOnly
	}

	// Specialist domain: the classified category is densely represented in
	// the graph, so seed from graph structure and broaden via vectors.
	if len(features.Categories) > 0 {
		if o.graph.CategoryChunkCount(features.Categories[0]) >= o.cfg.SpecialistThreshold {
			return StrategyGraphFirst
		}
	}

	// Hybrid whenever a category signal exists (keyword match or explicit
	// filter), and as the general default with both sources available.
	return StrategyHybrid
}

// Retrieve runs feature extraction, strategy routing, merge, the quality
// gate with one expansion, and context synthesis.
func (o *Orchestrator) Retrieve(ctx context.Context, proposal string, filter vectorstore.Filter) (*Bundle, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	if o.cfg.SearchBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SearchBudget)
		defer cancel()
	}

	features := ExtractFeatures(proposal)
	strategy := o.SelectStrategy(features, filter)
	logging.Retrieval("Strategy=%s categories=%v complexity=%s", strategy, features.Categories, features.Complexity)

	hits, err := o.execute(ctx, features, strategy, o.cfg.TopK, filter)
	if err != nil {
		return nil, err
	}

	expanded := false
	if !o.gatePassed(hits) {
		logging.Retrieval("Quality gate failed (%d hits, mean=%.3f); expanding", len(hits), topMean(hits, 5))
		expanded = true
		hits, err = o.execute(ctx, features, strategy, o.cfg.TopK*2, relaxYears(filter, 2))
		if err != nil {
			return nil, err
		}
		if !o.gatePassed(hits) {
			return nil, &InsufficientContextError{
				Hits:      len(hits),
				MeanScore: topMean(hits, 5),
				Empty:     o.store == nil || o.store.Len() == 0,
			}
		}
	}

	bundle := o.synthesize(hits, features)
	bundle.Strategy = strategy
	bundle.Expanded = expanded
	return bundle, nil
}

// execute runs the store and/or graph paths for a strategy and merges.
func (o *Orchestrator) execute(ctx context.Context, features QueryFeatures, strategy Strategy, topK int, filter vectorstore.Filter) ([]Hit, error) {
	var vectorHits []vectorstore.Hit
	var graphHits []graphHit
	var err error

	switch strategy {
	case StrategyVectorOnly:
		vectorHits, err = o.searchVector(ctx, features.QueryText, topK, filter)
		if err != nil {
			return nil, err
		}
	case StrategyGraphOnly:
		graphHits = o.searchGraph(features, topK)
	case StrategyHybrid:
		// Both sources run concurrently; either failing fails the query.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var verr error
			vectorHits, verr = o.searchVector(gctx, features.QueryText, topK, filter)
			return verr
		})
		g.Go(func() error {
			graphHits = o.searchGraph(features, topK)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	case StrategyGraphFirst:
		graphHits = o.searchGraph(features, topK)
		vectorHits, err = o.searchVector(ctx, features.QueryText, topK, filter)
		if err != nil {
			return nil, err
		}
	}

	return o.merge(vectorHits, graphHits, filter), nil
}

func (o *Orchestrator) searchVector(ctx context.Context, query string, topK int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.Search(ctx, query, vectorstore.SearchOptions{
		TopK:         topK,
		Mode:         vectorstore.ModeHybrid,
		DenseWeight:  o.cfg.DenseWeight,
		SparseWeight: o.cfg.SparseWeight,
		Filter:       filter,
	})
}

// graphHit is a graph-sourced candidate with its rank-derived score.
type graphHit struct {
	id    string
	score float64
}

// searchGraph seeds from every feature category and broadens via bounded
// BFS from the top seeds. Scores decay with rank so per-source
// normalization has a meaningful spread.
func (o *Orchestrator) searchGraph(features QueryFeatures, topK int) []graphHit {
	if o.graph == nil {
		return nil
	}

	seen := make(map[string]float64)
	var order []string
	record := func(id string, score float64) {
		if prev, ok := seen[id]; !ok {
			seen[id] = score
			order = append(order, id)
		} else if score > prev {
			seen[id] = score
		}
	}

	for _, cat := range features.Categories {
		seeds := o.graph.ChunksByCategory(cat, topK)
		for rank, id := range seeds {
			record(id, 1.0/float64(1+rank))
		}
		// Multi-hop: broaden from the strongest seeds.
		for i, seed := range seeds {
			if i >= 3 {
				break
			}
			for rank, rel := range o.graph.Related(seed, o.cfg.GraphDepth) {
				record(rel, 0.5/float64(1+rank))
			}
		}
	}

	hits := make([]graphHit, 0, len(order))
	for _, id := range order {
		hits = append(hits, graphHit{id: id, score: seen[id]})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Hit is a merged retrieval result.
type Hit struct {
	Chunk corpus.Chunk
	Score float64
}

// merge unions the two sources by chunk id. Each hit's final score is the
// max of its per-source min-max normalized scores. Graph-sourced hits are
// checked against the metadata filter the vector path already applied.
func (o *Orchestrator) merge(vectorHits []vectorstore.Hit, graphHits []graphHit, filter vectorstore.Filter) []Hit {
	vNorm := normalizeVector(vectorHits)
	gNorm := normalizeGraph(graphHits)

	merged := make(map[string]Hit)
	for i, h := range vectorHits {
		merged[h.Chunk.ID] = Hit{Chunk: h.Chunk, Score: vNorm[i]}
	}
	for i, gh := range graphHits {
		score := gNorm[i]
		if existing, ok := merged[gh.id]; ok {
			if score > existing.Score {
				existing.Score = score
				merged[gh.id] = existing
			}
			continue
		}
		if o.store == nil {
			continue
		}
		chunk, ok := o.store.Get(gh.id)
		if !ok {
			// Graph and store are jointly maintained; a miss means the
			// snapshot is mid-update, so the hit is dropped.
			continue
		}
		if !vectorstore.MatchesFilter(chunk, filter) {
			continue
		}
		merged[gh.id] = Hit{Chunk: chunk, Score: score}
	}

	out := make([]Hit, 0, len(merged))
	for _, h := range merged {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}

func normalizeVector(hits []vectorstore.Hit) []float64 {
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Score
	}
	return minMax(scores)
}

func normalizeGraph(hits []graphHit) []float64 {
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.score
	}
	return minMax(scores)
}

// minMax rescales scores to [0,1]. A single-element or constant slice maps
// to 1.0 so a lone strong source is not zeroed out.
func minMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// gatePassed checks the sufficiency gate: at least MinHits results and a
// top-5 mean score at or above the threshold.
func (o *Orchestrator) gatePassed(hits []Hit) bool {
	return len(hits) >= o.cfg.MinHits && topMean(hits, 5) >= o.cfg.MinTopScore
}

func topMean(hits []Hit, n int) float64 {
	if len(hits) == 0 {
		return 0
	}
	if n > len(hits) {
		n = len(hits)
	}
	var sum float64
	for _, h := range hits[:n] {
		sum += h.Score
	}
	return sum / float64(n)
}

// relaxYears widens any year constraints in the filter by delta years.
func relaxYears(filter vectorstore.Filter, delta int) vectorstore.Filter {
	if filter == nil {
		return nil
	}
	relaxed := make(vectorstore.Filter, len(filter))
	for k, v := range filter {
		relaxed[k] = v
	}
	if y, ok := relaxed["year"]; ok {
		if yi, ok := asYear(y); ok {
			delete(relaxed, "year")
			relaxed["year_min"] = yi - delta
			relaxed["year_max"] = yi + delta
		}
	}
	if y, ok := filter["year_min"]; ok {
		if yi, ok := asYear(y); ok {
			relaxed["year_min"] = yi - delta
		}
	}
	if y, ok := filter["year_max"]; ok {
		if yi, ok := asYear(y); ok {
			relaxed["year_max"] = yi + delta
		}
	}
	return relaxed
}

func asYear(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
