package text

import (
	"regexp"
	"strings"
	"unicode"
)

var headerLabelPattern = regexp.MustCompile(`(?m)^(From|To|CC|Subject):\s*`)

// Normalize strips header labels at line start, lower-cases, drops everything
// except ASCII letters, digits and whitespace, and collapses whitespace runs.
func Normalize(input string) string {
	stripped := headerLabelPattern.ReplaceAllString(input, "")
	lowered := strings.ToLower(stripped)

	var b strings.Builder
	b.Grow(len(lowered))
	pendingSpace := false
	for _, r := range lowered {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
