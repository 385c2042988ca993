// internal/search/text.go
package search

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it on anything that is not a letter or
// a digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// stringScore is 1 when the whole query appears in text, otherwise half
// the fraction of query tokens that appear as substrings.
func stringScore(query string, queryTokens []string, lowerText string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || lowerText == "" {
		return 0
	}
	if strings.Contains(lowerText, q) {
		return 1
	}
	if len(queryTokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range queryTokens {
		if strings.Contains(lowerText, tok) {
			hits++
		}
	}
	return 0.5 * float64(hits) / float64(len(queryTokens))
}

// maxEdits is the typo budget for a token of n runes.
func maxEdits(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 7:
		return 1
	default:
		return 2
	}
}

// fuzzyScore averages, over query tokens, the closeness of the nearest
// document token within the typo budget. Unmatched query tokens count 0.
func fuzzyScore(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 || len(docTokens) == 0 {
		return 0
	}
	var total float64
	for _, q := range queryTokens {
		qr := []rune(q)
		budget := maxEdits(len(qr))
		best := 0.0
		for _, d := range docTokens {
			dr := []rune(d)
			if abs(len(dr)-len(qr)) > budget {
				continue
			}
			dist := levenshtein(qr, dr, budget)
			if dist > budget {
				continue
			}
			sim := 1 - float64(dist)/float64(max(len(qr), len(dr)))
			if sim > best {
				best = sim
			}
			if best == 1 {
				break
			}
		}
		total += best
	}
	return total / float64(len(queryTokens))
}

// levenshtein returns the edit distance of a and b, or limit+1 as soon as
// it is certain to exceed limit.
func levenshtein(a, b []rune, limit int) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > limit {
			return limit + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Similarity is the normalized Levenshtein similarity of two strings,
// case-insensitive, in [0, 1].
func Similarity(a, b string) float64 {
	ar, br := []rune(strings.ToLower(a)), []rune(strings.ToLower(b))
	n := max(len(ar), len(br))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ar, br, n))/float64(n)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
