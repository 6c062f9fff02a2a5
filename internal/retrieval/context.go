package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"riacouncil/internal/corpus"
	"riacouncil/internal/logging"
)

// SourceRef identifies a chunk that contributed to the context bundle.
// The report extractor resolves citations back through these.
type SourceRef struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// Bundle is the synthesized context handed to the council: hits grouped by
// kind, deduplicated, truncated to the token budget, and labeled.
type Bundle struct {
	Text       string
	Sources    []SourceRef
	Hits       []Hit
	TokensUsed int
	Strategy   Strategy
	Expanded   bool
	Features   QueryFeatures
}

// kindOrder fixes the group emission order: category framing first, then
// analysis, then evidence.
var kindOrder = []corpus.ChunkKind{corpus.KindCategory, corpus.KindAnalysis, corpus.KindEvidence}

var kindLabels = map[corpus.ChunkKind]string{
	corpus.KindCategory: "CATEGORY CONTEXT",
	corpus.KindAnalysis: "ANALYTICAL PRECEDENT",
	corpus.KindEvidence: "SUPPORTING EVIDENCE",
}

// synthesize groups hits by kind, deduplicates by normalized content hash,
// and truncates to the token budget keeping the highest-scoring chunks per
// group.
func (o *Orchestrator) synthesize(hits []Hit, features QueryFeatures) *Bundle {
	timer := logging.StartTimer(logging.CategoryRetrieval, "synthesize")
	defer timer.Stop()

	groups := make(map[corpus.ChunkKind][]Hit)
	seen := make(map[string]bool)
	for _, h := range hits {
		hash := corpus.ContentHash(h.Chunk.Content)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		groups[h.Chunk.Kind] = append(groups[h.Chunk.Kind], h)
	}
	for kind := range groups {
		g := groups[kind]
		sort.Slice(g, func(i, j int) bool {
			if g[i].Score != g[j].Score {
				return g[i].Score > g[j].Score
			}
			return g[i].Chunk.ID < g[j].Chunk.ID
		})
	}

	budget := o.cfg.ContextTokenBudget
	var b strings.Builder
	var sources []SourceRef
	used := 0

	for _, kind := range kindOrder {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		header := fmt.Sprintf("=== %s ===\n", kindLabels[kind])
		for _, h := range group {
			tokens := h.Chunk.TokenCount
			if tokens == 0 {
				tokens = corpus.EstimateTokens(h.Chunk.Content)
			}
			if used+tokens > budget {
				continue
			}
			if header != "" {
				b.WriteString(header)
				header = ""
			}
			fmt.Fprintf(&b, "[%s] (%s, %d)\n%s\n\n",
				h.Chunk.ID, h.Chunk.Metadata.Jurisdiction, h.Chunk.Metadata.Year, h.Chunk.Content)
			used += tokens
			sources = append(sources, SourceRef{
				ChunkID:    h.Chunk.ID,
				DocumentID: h.Chunk.SourceDocumentID,
				Score:      h.Score,
			})
		}
	}

	logging.Retrieval("Context synthesized: %d sources, %d/%d tokens", len(sources), used, budget)
	return &Bundle{
		Text:       b.String(),
		Sources:    sources,
		Hits:       hits,
		TokensUsed: used,
		Features:   features,
	}
}
