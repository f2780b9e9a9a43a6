package message

import (
	"regexp"
	"strings"
)

// Ellipsis is appended whenever a response is cut short.
const Ellipsis = "..."

// sentenceEnd matches a sentence terminator followed by whitespace or the end
// of the text.
var sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// TruncateSentences cuts s after at most max sentences. Text without
// terminators counts as a single sentence. A truncated result ends with an
// ellipsis.
func TruncateSentences(s string, max int) string {
	if max <= 0 {
		return s
	}
	locs := sentenceEnd.FindAllStringIndex(s, -1)
	if len(locs) < max {
		return s
	}
	cut := locs[max-1][1]
	if strings.TrimSpace(s[cut:]) == "" {
		return s
	}
	return strings.TrimRight(s[:cut], " \t\n") + Ellipsis
}

// TruncateLength cuts s to at most max runes, appending an ellipsis when
// anything was removed.
func TruncateLength(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), " \t\n") + Ellipsis
}
