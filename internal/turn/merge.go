package turn

import "strings"

// MergeTranscript folds incoming into existing. Speech-to-text engines often
// re-emit a fragment with more text appended, so a fragment that extends the
// previous one replaces it and a repeated tail is dropped. Anything else is
// treated as a new utterance and joined with a single space.
func MergeTranscript(existing, incoming string) string {
	existing = strings.TrimSpace(existing)
	incoming = strings.TrimSpace(incoming)
	switch {
	case incoming == "":
		return existing
	case existing == "":
		return incoming
	case existing == incoming:
		return existing
	case strings.HasPrefix(incoming, existing):
		return incoming
	case strings.HasSuffix(existing, incoming):
		return existing
	default:
		return existing + " " + incoming
	}
}

// MergeSegments left-folds segments in arrival order.
func MergeSegments(segments []string) string {
	merged := ""
	for _, s := range segments {
		merged = MergeTranscript(merged, s)
	}
	return merged
}
