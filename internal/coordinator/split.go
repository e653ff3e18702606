package coordinator

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxSplitChunks caps the number of stages a single task can produce,
// independent of the configured agent budget.
const MaxSplitChunks = 8

// DefaultConjunction is used when none is configured.
const DefaultConjunction = " and "

// Split breaks task text into stage texts. Sentences are tried first, with
// ';' always ending a sentence and '.', '!', '?' ending one when followed by
// whitespace or the end of the text. A single sentence that contains the
// conjunction (case-insensitive) is split on it instead. The result holds at
// most min(maxStages, MaxSplitChunks) entries and is never empty.
func Split(text, conjunction string, maxStages int) []string {
	limit := MaxSplitChunks
	if maxStages > 0 && maxStages < limit {
		limit = maxStages
	}

	chunks := splitSentences(text)
	if len(chunks) <= 1 && conjunction != "" && containsFold(text, conjunction) {
		chunks = splitConjunction(text, conjunction)
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end + 1
	}
	for i, r := range runes {
		switch r {
		case ';':
			flush(i)
		case '.', '!', '?':
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				flush(i)
			}
		}
	}
	if start < len(runes) {
		flush(len(runes))
	}
	return out
}

func splitConjunction(text, conjunction string) []string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(conjunction))
	var out []string
	for _, part := range re.Split(text, -1) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ContainsConjunction reports whether text contains the conjunction token,
// ignoring case.
func ContainsConjunction(text, conjunction string) bool {
	if conjunction == "" {
		conjunction = DefaultConjunction
	}
	return containsFold(text, conjunction)
}
