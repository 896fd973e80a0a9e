package session

import (
	"strings"
)

const wakeTrim = " ,.!?;:-\"'`~"

// WakeDetector recognises an address phrase near the start of a turn.
type WakeDetector struct {
	phrases [][]string
	window  int
}

// NewWakeDetector returns nil when no phrase is usable. window is the
// number of leading words the phrase may start within; 0 anchors it to
// the first word.
func NewWakeDetector(phrases []string, window int) *WakeDetector {
	w := &WakeDetector{window: window}
	for _, p := range phrases {
		if toks := wakeTokens(p); len(toks) > 0 {
			w.phrases = append(w.phrases, toks)
		}
	}
	if len(w.phrases) == 0 {
		return nil
	}
	return w
}

// Detect reports whether text addresses the bot and returns the text after
// the phrase.
func (w *WakeDetector) Detect(text string) (bool, string) {
	words := strings.Fields(text)
	toks := make([]string, len(words))
	for i, wd := range words {
		toks[i] = normalizeToken(wd)
	}
	limit := w.window
	if limit < 1 {
		limit = 1
	}
	for _, phrase := range w.phrases {
		for start := 0; start < limit && start+len(phrase) <= len(toks); start++ {
			if !tokensEqual(toks[start:start+len(phrase)], phrase) {
				continue
			}
			rest := strings.Join(words[start+len(phrase):], " ")
			return true, strings.Trim(rest, wakeTrim)
		}
	}
	return false, ""
}

func wakeTokens(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if t := normalizeToken(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeToken(tok string) string {
	return strings.Trim(strings.ToLower(tok), wakeTrim)
}

func tokensEqual(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
