package chatserver

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// sanitizer turns user input into plain text: markup is stripped, control
// characters other than tab and newline are dropped, and the result is cut to
// a rune limit and trimmed.
type sanitizer struct {
	policy *bluemonday.Policy
}

func newSanitizer() *sanitizer {
	return &sanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *sanitizer) text(in string, maxLen int) string {
	if in == "" {
		return ""
	}
	// StrictPolicy escapes what it keeps; the widget renders text, not HTML.
	plain := html.UnescapeString(s.policy.Sanitize(in))

	var b strings.Builder
	b.Grow(len(plain))
	for _, r := range plain {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); maxLen > 0 && len(runes) > maxLen {
		out = strings.TrimSpace(string(runes[:maxLen]))
	}
	return out
}

// name sanitizes a display name onto a single line.
func (s *sanitizer) name(in string, maxLen int) string {
	return strings.Join(strings.Fields(s.text(in, maxLen)), " ")
}
