package graph

import (
	"fmt"
	"strings"

	"riacouncil/internal/corpus"
	"riacouncil/internal/logging"
)

// patternSignatures is the fixed rule table mapping keyword signatures to
// analysis patterns. Matched case-insensitively against analysis chunk
// content during graph construction.
var patternSignatures = map[corpus.AnalysisPattern][]string{
	corpus.PatternCostBenefit:        {"cost-benefit", "cost benefit", "net benefit", "monetized", "willingness to pay"},
	corpus.PatternRiskBased:          {"risk assessment", "risk-based", "hazard", "probability of harm", "mitigation"},
	corpus.PatternMarketFailure:      {"market failure", "externality", "information asymmetry", "public good", "monopoly"},
	corpus.PatternStakeholder:        {"stakeholder", "consultation", "affected parties", "interest group"},
	corpus.PatternImpactAssessment:   {"impact assessment", "impact analysis", "expected impact", "ex ante"},
	corpus.PatternBaselineComparison: {"baseline", "counterfactual", "status quo", "no-policy scenario"},
	corpus.PatternSubsidiarity:       {"subsidiarity", "proportionality", "member state", "national competence"},
}

// InferPatterns returns the analysis patterns whose keyword signatures
// match the content, in canonical pattern order. Content with no signature
// match falls back to impact-assessment, the least specific pattern, so
// every analysis chunk links to at least one pattern node.
func InferPatterns(content string) []corpus.AnalysisPattern {
	lower := strings.ToLower(content)
	var matched []corpus.AnalysisPattern
	for _, p := range corpus.AllPatterns {
		for _, sig := range patternSignatures[p] {
			if strings.Contains(lower, sig) {
				matched = append(matched, p)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = []corpus.AnalysisPattern{corpus.PatternImpactAssessment}
	}
	return matched
}

// BuildFromChunks constructs the full graph from a chunk arena:
// taxonomy nodes and their fixed relations, document nodes from source
// document ids, and per-chunk links. The chunk node set must match the
// vector store's chunk set; callers add to both from the same batch.
func (g *Graph) BuildFromChunks(chunks []corpus.Chunk) error {
	timer := logging.StartTimer(logging.CategoryGraph, "BuildFromChunks")
	defer timer.Stop()

	// Taxonomy scaffold: Category<->Domain and Domain<->Pattern relations
	// come from the closed-set tables, independent of corpus content.
	for _, cat := range corpus.AllCategories {
		g.AddNode(CategoryNode(cat))
		for _, d := range corpus.DomainsFor(cat) {
			if err := g.addBidirectional(EdgeHasDomain, CategoryNode(cat), DomainNode(d)); err != nil {
				return err
			}
		}
	}
	for _, d := range corpus.AllDomains {
		g.AddNode(DomainNode(d))
		for _, p := range corpus.PatternsFor(d) {
			if err := g.addBidirectional(EdgeUsesPattern, DomainNode(d), PatternNode(p)); err != nil {
				return err
			}
		}
	}

	// Index analysis chunks per (document, category) so evidence chunks can
	// be linked to the analyses they support.
	type docCat struct {
		doc string
		cat corpus.PolicyCategory
	}
	analysesByDocCat := make(map[docCat][]string)
	for _, c := range chunks {
		if c.Kind != corpus.KindAnalysis {
			continue
		}
		for _, cat := range c.Metadata.Categories {
			key := docCat{c.SourceDocumentID, cat}
			analysesByDocCat[key] = append(analysesByDocCat[key], c.ID)
		}
	}

	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("graph build rejected chunk: %w", err)
		}

		chunkNode := ChunkNode(c.ID)
		g.AddNode(chunkNode)
		g.mu.Lock()
		g.chunks[c.ID] = chunkInfo{Kind: c.Kind, Categories: c.Metadata.Categories}
		g.mu.Unlock()

		if c.SourceDocumentID != "" {
			docNode := DocumentNode(c.SourceDocumentID)
			g.AddNode(docNode)
			if err := g.AddEdge(EdgeContainsChunk, docNode, chunkNode); err != nil {
				return err
			}
		}

		catEdge := EdgeReferencesCategory
		if c.Kind == corpus.KindAnalysis {
			catEdge = EdgeAnalyzesCategory
		}
		for _, cat := range c.Metadata.Categories {
			if err := g.addBidirectional(catEdge, chunkNode, CategoryNode(cat)); err != nil {
				return err
			}
		}

		if c.Kind == corpus.KindAnalysis {
			for _, p := range InferPatterns(c.Content) {
				if err := g.addBidirectional(EdgeUsesPattern, chunkNode, PatternNode(p)); err != nil {
					return err
				}
			}
		}

		// Evidence supports the analyses of its own document that share a
		// category with it.
		if c.Kind == corpus.KindEvidence {
			linked := make(map[string]bool)
			for _, cat := range c.Metadata.Categories {
				for _, analysisID := range analysesByDocCat[docCat{c.SourceDocumentID, cat}] {
					if linked[analysisID] || analysisID == c.ID {
						continue
					}
					linked[analysisID] = true
					if err := g.addBidirectional(EdgeSupportsAnalysis, chunkNode, ChunkNode(analysisID)); err != nil {
						return err
					}
				}
			}
		}
	}

	logging.Graph("Graph built: %d nodes, %d chunks", g.NodeCount(), len(g.ChunkIDs()))
	return nil
}
