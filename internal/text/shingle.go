package text

import "strings"

const DefaultShingleSize = 2

// Set is a set of word n-grams.
type Set map[string]struct{}

// Shingles returns the distinct n-word shingles of normalized text. Text with
// fewer than n words yields an empty set.
func Shingles(normalized string, n int) Set {
	if n < 1 {
		return Set{}
	}
	words := strings.Fields(normalized)
	if len(words) < n {
		return Set{}
	}

	set := make(Set, len(words)-n+1)
	for i := 0; i <= len(words)-n; i++ {
		set[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when either set is empty.
func Jaccard(left, right Set) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	intersection := 0
	for shingle := range left {
		if _, ok := right[shingle]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(left) + len(right) - intersection
	return float64(intersection) / float64(union)
}
