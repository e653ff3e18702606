// Package tokenutil holds the cheap text-size heuristics shared by the
// orchestrator and the agent registry.
package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens returns max(words*1.33, bytes/4), a provider-agnostic
// approximation that holds up for prose, code and non-Latin scripts.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	wordEstimate := int(float64(len(strings.Fields(content))) * 1.33)
	charEstimate := len(content) / 4
	return max(wordEstimate, charEstimate)
}

// Truncate returns the first n runes of s. It never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
