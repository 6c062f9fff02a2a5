package council

import (
	"sort"
)

// rankStats accumulates one response's placements across iterations.
type rankStats struct {
	label      string
	labelIdx   int
	borda      int     // sum of N-p points
	consensus  int     // sum of (N-p)^2 points
	positions  int     // sum of 0-indexed positions
	iterations int     // iterations the label appeared in
	firsts     int     // times ranked first
	worsts     int     // times ranked last
}

// aggregateRankings reduces one evaluator's per-iteration rankings into a
// consensus ordering using the configured method.
//
// Borda: position p (0-indexed) earns N-p points, summed; higher wins.
// Position average: mean position; lower wins.
// Consensus: sum of (N-p)^2; rewards consistently high placement.
//
// All methods share the tie-break chain: more first places, then fewer
// worst places, then label order.
func aggregateRankings(rankings [][]string, n int, method Aggregation) []string {
	if len(rankings) == 0 || n == 0 {
		return nil
	}

	stats := make(map[string]*rankStats, n)
	for i := 0; i < n; i++ {
		label := responseLabel(i)
		stats[label] = &rankStats{label: label, labelIdx: i}
	}

	for _, ranking := range rankings {
		for p, label := range ranking {
			st, ok := stats[label]
			if !ok {
				continue
			}
			points := n - p
			st.borda += points
			st.consensus += points * points
			st.positions += p
			st.iterations++
			if p == 0 {
				st.firsts++
			}
			if p == n-1 {
				st.worsts++
			}
		}
	}

	ordered := make([]*rankStats, 0, n)
	for i := 0; i < n; i++ {
		ordered = append(ordered, stats[responseLabel(i)])
	}

	better := func(a, b *rankStats) bool {
		var primaryDiffers, aWins bool
		switch method {
		case AggregationPositionAvg:
			// Mean position, lower is better. Compare cross-multiplied to
			// avoid float equality issues.
			av := a.positions * maxInt(b.iterations, 1)
			bv := b.positions * maxInt(a.iterations, 1)
			primaryDiffers = av != bv
			aWins = av < bv
		case AggregationConsensus:
			primaryDiffers = a.consensus != b.consensus
			aWins = a.consensus > b.consensus
		default: // borda
			primaryDiffers = a.borda != b.borda
			aWins = a.borda > b.borda
		}
		if primaryDiffers {
			return aWins
		}
		if a.firsts != b.firsts {
			return a.firsts > b.firsts
		}
		if a.worsts != b.worsts {
			return a.worsts < b.worsts
		}
		return a.labelIdx < b.labelIdx
	}

	sort.Slice(ordered, func(i, j int) bool { return better(ordered[i], ordered[j]) })

	result := make([]string, n)
	for i, st := range ordered {
		result[i] = st.label
	}
	return result
}

// bordaTotals sums Borda points per label across every evaluator's
// iterations. Used to pick the chairman fallback response.
func bordaTotals(stage2 map[string][][]string, n int) map[string]int {
	totals := make(map[string]int, n)
	for _, rankings := range stage2 {
		for _, ranking := range rankings {
			for p, label := range ranking {
				totals[label] += n - p
			}
		}
	}
	return totals
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
