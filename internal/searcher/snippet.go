package searcher

import (
	"strings"
	"unicode"
)

const snippetLength = 200

// Snippet cuts a window of at most length runes out of content, starting a
// little before the earliest occurrence of any token. Without a match the
// window starts at the beginning. Cut ends are marked with "...".
func Snippet(content string, tokens []string, length int) string {
	runes := []rune(strings.Join(strings.Fields(content), " "))
	if length <= 0 || len(runes) <= length {
		return string(runes)
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}
	hit := -1
	for _, tok := range tokens {
		if i := indexRunes(lower, []rune(tok)); i >= 0 && (hit < 0 || i < hit) {
			hit = i
		}
	}

	start := 0
	if hit > 0 {
		start = max(hit-length/4, 0)
		// Prefer to start on a word boundary.
		for start > 0 && start < hit && !unicode.IsSpace(runes[start-1]) {
			start++
		}
	}
	end := min(start+length, len(runes))
	if end-start < length {
		start = max(end-length, 0)
	}

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
