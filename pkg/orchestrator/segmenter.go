package orchestrator

import (
	"strings"
	"unicode"
)

// minSentenceVisible is the minimum number of visible (non-space) runes a
// sentence needs to be worth synthesizing; anything shorter is punctuation
// noise from the token stream.
const minSentenceVisible = 3

// Segment splits buf into its complete sentences and the residual partial
// sentence. A sentence is a maximal prefix ending in '.', '!' or '?' followed
// by whitespace or end-of-buffer; consecutive terminators ("?!", "...") stay
// attached to the sentence they close. The function is pure and idempotent:
// callers append LLM deltas to a buffer, call Segment, enqueue the returned
// sentences and keep the residual as the new buffer.
func Segment(buf string) (sentences []string, residual string) {
	runes := []rune(buf)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminator(runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			// Mid-token punctuation ("3.14", "a.b.c"): not a boundary.
			i = j
			continue
		}
		s := strings.TrimSpace(string(runes[start : j+1]))
		if visibleLen(s) >= minSentenceVisible {
			sentences = append(sentences, s)
		}
		i = j
		start = j + 1
	}

	// Only leading space is trimmed: a trailing space may separate the last
	// word from the next delta.
	return sentences, strings.TrimLeftFunc(string(runes[start:]), unicode.IsSpace)
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func visibleLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
