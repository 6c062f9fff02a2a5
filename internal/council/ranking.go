package council

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strings"
)

// responseLabel returns the anonymized label for an enumeration index:
// "Response A", "Response B", ...
func responseLabel(i int) string {
	return fmt.Sprintf("Response %c", 'A'+i)
}

// permutationSeed derives the deterministic seed for a bootstrap
// iteration from the assessment id and iteration index. Tests rely on the
// same (assessment_id, i) pair producing the same permutation.
func permutationSeed(assessmentID string, iteration int) int64 {
	h := fnv.New64a()
	h.Write([]byte(assessmentID))
	return int64(h.Sum64()) + int64(iteration)
}

// permute returns π for an iteration: a permutation of [0,n) where
// π[presentedPosition] = originalIndex.
func permute(assessmentID string, iteration, n int) []int {
	rng := rand.New(rand.NewSource(permutationSeed(assessmentID, iteration)))
	return rng.Perm(n)
}

// presentOpinions relabels opinions in permuted order for one iteration.
// The presented label at position j is responseLabel(j); the underlying
// opinion is opinions[π[j]].
func presentOpinions(opinions []Opinion, pi []int) []Opinion {
	presented := make([]Opinion, len(pi))
	for j, origIdx := range pi {
		presented[j] = Opinion{
			ModelID: opinions[origIdx].ModelID,
			Label:   responseLabel(j),
			Text:    opinions[origIdx].Text,
		}
	}
	return presented
}

var labelPattern = regexp.MustCompile(`(?i)response\s+([A-Z])`)

// parseRanking extracts a strict ordered ranking of presented labels from
// a model's reply and maps it back through π to original labels. The reply
// must mention every presented label exactly once, in ranking order.
func parseRanking(reply string, pi []int, n int) ([]string, error) {
	// Prefer the RANKING: line if present; fall back to the whole reply.
	text := reply
	if idx := strings.LastIndex(strings.ToUpper(reply), "RANKING:"); idx >= 0 {
		text = reply[idx:]
	}

	matches := labelPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[int]bool, n)
	var presentedOrder []int
	for _, m := range matches {
		idx := int(strings.ToUpper(m[1])[0] - 'A')
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("ranking names unknown label %q", m[0])
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		presentedOrder = append(presentedOrder, idx)
	}
	if len(presentedOrder) != n {
		return nil, fmt.Errorf("ranking names %d of %d responses", len(presentedOrder), n)
	}

	original := make([]string, n)
	for rank, presentedIdx := range presentedOrder {
		original[rank] = responseLabel(pi[presentedIdx])
	}
	return original, nil
}

// criterionFor returns the criterion for a bootstrap iteration, cycling
// the list when iterations exceed it.
func criterionFor(criteria []Criterion, iteration int) Criterion {
	if len(criteria) == 0 {
		criteria = DefaultCriteria
	}
	return criteria[iteration%len(criteria)]
}
