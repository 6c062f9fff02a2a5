package vectorstore

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"riacouncil/internal/corpus"
)

// mapEmbedder returns fixed vectors per exact text, zeroes otherwise.
// Deterministic so hybrid ordering assertions are exact.
type mapEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.fail {
		return nil, errors.New("embedder down")
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, 3), nil
}

func (m *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mapEmbedder) Dimensions() int { return 3 }
func (m *mapEmbedder) Name() string    { return "map-test" }

const (
	textA = "AI governance framework"
	textB = "biodiversity restoration"
	textC = "data protection"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	embedder := &mapEmbedder{vectors: map[string][]float32{
		textA:           {0.9, 0.1, 0.0},
		textB:           {0.0, 0.0, 1.0},
		textC:           {0.5, 0.5, 0.0},
		"AI regulation": {1.0, 0.2, 0.0},
	}}
	s := New(embedder)
	chunks := []corpus.Chunk{
		{ID: "A", Kind: corpus.KindCategory, Content: textA, SourceDocumentID: "d1",
			Metadata: corpus.Metadata{Jurisdiction: "BE", Year: 2020, Categories: []corpus.PolicyCategory{corpus.CategoryDigital}}},
		{ID: "B", Kind: corpus.KindCategory, Content: textB, SourceDocumentID: "d1",
			Metadata: corpus.Metadata{Jurisdiction: "BE", Year: 2019, Categories: []corpus.PolicyCategory{corpus.CategoryEnvironment}}},
		{ID: "C", Kind: corpus.KindCategory, Content: textC, SourceDocumentID: "d2",
			Metadata: corpus.Metadata{Jurisdiction: "BE", Year: 2021, Categories: []corpus.PolicyCategory{corpus.CategoryDigital}}},
	}
	if err := s.Add(context.Background(), chunks); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return s
}

// Seeded scenario: query "AI regulation", top_k=2, hybrid defaults.
// Expected ranking [A, C]; B absent.
func TestHybridSearchRanking(t *testing.T) {
	s := seededStore(t)

	hits, err := s.Search(context.Background(), "AI regulation", SearchOptions{TopK: 2, Mode: ModeHybrid})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search() returned %d hits, want 2", len(hits))
	}
	if hits[0].Chunk.ID != "A" || hits[1].Chunk.ID != "C" {
		t.Fatalf("ranking = [%s, %s], want [A, C]", hits[0].Chunk.ID, hits[1].Chunk.ID)
	}
	if hits[0].Dense <= hits[1].Dense {
		t.Fatalf("dense ordering A(%v) must exceed C(%v)", hits[0].Dense, hits[1].Dense)
	}
	for _, h := range hits {
		if h.Chunk.ID == "B" {
			t.Fatal("B must not appear for an AI query")
		}
	}
}

func TestSearchEmptyCorpus(t *testing.T) {
	s := New(&mapEmbedder{})
	hits, err := s.Search(context.Background(), "anything", SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search() on empty corpus error = %v, want nil", err)
	}
	if len(hits) != 0 {
		t.Fatalf("Search() on empty corpus = %d hits, want 0", len(hits))
	}
}

func TestAddIdempotence(t *testing.T) {
	s := seededStore(t)
	before := s.Len()

	// Same id and same content hash under a different id are both no-ops.
	dup := []corpus.Chunk{
		{ID: "A", Kind: corpus.KindCategory, Content: textA,
			Metadata: corpus.Metadata{Categories: []corpus.PolicyCategory{corpus.CategoryDigital}}},
		{ID: "A2", Kind: corpus.KindCategory, Content: "  ai GOVERNANCE   framework ",
			Metadata: corpus.Metadata{Categories: []corpus.PolicyCategory{corpus.CategoryDigital}}},
	}
	if err := s.Add(context.Background(), dup); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := s.Len(); got != before {
		t.Fatalf("Len() = %d after duplicate add, want %d", got, before)
	}
}

func TestAddRollsBackOnEmbeddingFailure(t *testing.T) {
	embedder := &mapEmbedder{vectors: map[string][]float32{}, fail: true}
	s := New(embedder)

	err := s.Add(context.Background(), []corpus.Chunk{
		{ID: "x", Kind: corpus.KindCategory, Content: "some content",
			Metadata: corpus.Metadata{Categories: []corpus.PolicyCategory{corpus.CategoryDigital}}},
	})
	if err == nil {
		t.Fatal("Add() = nil, want embedding error")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after failed batch, want 0 (rolled back)", s.Len())
	}
}

func TestSearchModeExclusivity(t *testing.T) {
	s := seededStore(t)

	sparseHits, err := s.Search(context.Background(), "biodiversity", SearchOptions{TopK: 3, Mode: ModeSparse})
	if err != nil {
		t.Fatalf("Search(sparse) error = %v", err)
	}
	if len(sparseHits) != 1 || sparseHits[0].Chunk.ID != "B" {
		t.Fatalf("sparse search = %#v, want only B", sparseHits)
	}
	if sparseHits[0].Dense != 0 {
		t.Fatalf("sparse mode leaked dense score %v", sparseHits[0].Dense)
	}

	denseHits, err := s.Search(context.Background(), "AI regulation", SearchOptions{TopK: 1, Mode: ModeDense})
	if err != nil {
		t.Fatalf("Search(dense) error = %v", err)
	}
	if len(denseHits) != 1 || denseHits[0].Chunk.ID != "A" {
		t.Fatalf("dense search top = %#v, want A", denseHits)
	}
	if denseHits[0].Sparse != 0 {
		t.Fatalf("dense mode leaked sparse score %v", denseHits[0].Sparse)
	}
}

func TestResolveWeights(t *testing.T) {
	wd, ws := resolveWeights(ModeHybrid, 0, 0)
	if wd != DefaultDenseWeight || ws != DefaultSparseWeight {
		t.Fatalf("defaults = (%v, %v), want (%v, %v)", wd, ws, DefaultDenseWeight, DefaultSparseWeight)
	}
	if math.Abs(wd+ws-1) > 1e-9 {
		t.Fatalf("default weights sum = %v, want 1", wd+ws)
	}

	wd, ws = resolveWeights(ModeHybrid, -0.5, 0.3)
	if wd != 0 {
		t.Fatalf("negative weight not clamped: %v", wd)
	}

	wd, ws = resolveWeights(ModeDense, 0.7, 0.3)
	if ws != 0 {
		t.Fatalf("dense mode sparse weight = %v, want 0", ws)
	}
	wd, ws = resolveWeights(ModeSparse, 0.7, 0.3)
	if wd != 0 {
		t.Fatalf("sparse mode dense weight = %v, want 0", wd)
	}
}

func TestMetadataFilter(t *testing.T) {
	s := seededStore(t)

	hits, err := s.Search(context.Background(), "AI regulation", SearchOptions{
		TopK:   3,
		Filter: Filter{"category": "Digital", "year_min": 2021},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Chunk.ID != "C" {
		t.Fatalf("filtered search = %#v, want only C (Digital, 2021)", hits)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := seededStore(t)
	path := filepath.Join(t.TempDir(), "store", "vectors.blob")

	if err := s.Persist(path); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	loaded := New(&mapEmbedder{vectors: map[string][]float32{
		"AI regulation": {1.0, 0.2, 0.0},
	}})
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != s.Len() {
		t.Fatalf("loaded Len() = %d, want %d", loaded.Len(), s.Len())
	}

	orig, err := s.Search(context.Background(), "AI regulation", SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	reloaded, err := loaded.Search(context.Background(), "AI regulation", SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("Search() after load error = %v", err)
	}
	if len(orig) != len(reloaded) {
		t.Fatalf("hit counts differ: %d != %d", len(orig), len(reloaded))
	}
	for i := range orig {
		if orig[i].Chunk.ID != reloaded[i].Chunk.ID || orig[i].Score != reloaded[i].Score {
			t.Fatalf("hit %d differs after round-trip: %v vs %v", i, orig[i], reloaded[i])
		}
	}
}
