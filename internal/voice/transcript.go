package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	transcriptLinkPattern     = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	transcriptEmphasisPattern = regexp.MustCompile(`(\*{1,3}|_{2,3}|#{1,6}\s)`)
)

// normalizeTranscript cleans provider text for display and storage: markdown
// links keep their label, emphasis markers and control or zero-width runes
// are dropped and whitespace is collapsed.
func normalizeTranscript(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = transcriptLinkPattern.ReplaceAllString(raw, "$1")
	raw = transcriptEmphasisPattern.ReplaceAllString(raw, "")

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
