package voice

import (
	"strings"
	"unicode"
)

// DefaultSoftLimit is the rune count past which a sentence is split again at
// commas so the first audio of a long sentence is not delayed.
const DefaultSoftLimit = 120

func isSentenceEnd(r rune) bool {
	switch r {
	case '!', '?', ';', '。', '！', '？', '；', '\n':
		return true
	}
	return false
}

func isClauseBreak(r rune) bool {
	switch r {
	case ',', '，', '、':
		return true
	}
	return false
}

// SplitSentences breaks reply text into speakable segments, keeping the
// punctuation with its sentence. A '.' only ends a sentence when followed by
// whitespace or the end of text, so decimals stay intact. Blank pieces are
// dropped.
func SplitSentences(text string, softLimit int) []string {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	runes := []rune(text)
	var out []string
	var cur []rune
	emit := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			out = append(out, splitLong(s, softLimit)...)
		}
		cur = cur[:0]
	}
	for i, r := range runes {
		cur = append(cur, r)
		switch {
		case isSentenceEnd(r):
			emit()
		case r == '.' && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])):
			emit()
		}
	}
	emit()
	return out
}

// splitLong cuts s at clause breaks once a piece reaches limit runes.
func splitLong(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for i, r := range runes {
		if isClauseBreak(r) && i+1-start >= limit {
			if p := strings.TrimSpace(string(runes[start : i+1])); p != "" {
				out = append(out, p)
			}
			start = i + 1
		}
	}
	if p := strings.TrimSpace(string(runes[start:])); p != "" {
		out = append(out, p)
	}
	return out
}
