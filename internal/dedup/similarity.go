package dedup

import "math"

// maxCompareRunes caps the edit-distance input length. Responses longer
// than this are compared on their prefix; the quadratic cost of the DP
// table is bounded and looping generations repeat from the start anyway.
const maxCompareRunes = 1000

// jaccard returns the word-set overlap ratio |A∩B| / |A∪B|.
// Two empty sets are identical by convention.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// editSimilarity returns a lexical similarity ratio in [0,1] derived
// from Levenshtein distance over runes: 1 - distance/maxLen.
func editSimilarity(a, b string) float64 {
	ra := truncateRunes([]rune(a), maxCompareRunes)
	rb := truncateRunes([]rune(b), maxCompareRunes)

	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	dist := levenshtein(ra, rb)
	maxLen := math.Max(float64(len(ra)), float64(len(rb)))
	return 1.0 - float64(dist)/maxLen
}

func truncateRunes(r []rune, limit int) []rune {
	if len(r) > limit {
		return r[:limit]
	}
	return r
}

// levenshtein computes edit distance with a two-row DP table.
func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
