package worker

import "strings"

// loopWindow and jaccardThreshold are the fixed constants spec.md
// §4.7.5 calls out explicitly ("the threshold and window are fixed
// constants").
const (
	loopWindow       = 3
	jaccardThreshold = 0.85
)

// jaccardSimilarity returns the Jaccard similarity of a's and b's
// whitespace-split word sets: |intersection| / |union|. Two empty
// strings are defined as dissimilar (0), not identical, so an empty
// history never falsely triggers a nudge.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// isLooping reports whether the last loopWindow programs in codes (the
// most recent last) are all pairwise-adjacent-similar above
// jaccardThreshold, per spec.md §4.7.5: "examine the last three
// recorded programs. If every adjacent pair has Jaccard similarity ...
// greater than 0.85".
func isLooping(codes []string) bool {
	if len(codes) < loopWindow {
		return false
	}
	recent := codes[len(codes)-loopWindow:]
	for i := 1; i < len(recent); i++ {
		if jaccardSimilarity(recent[i-1], recent[i]) <= jaccardThreshold {
			return false
		}
	}
	return true
}
