package strings

import (
	"strings"
)

// DefaultDisplayNameMaxLen is the column width listing commands use for
// action display names.
const DefaultDisplayNameMaxLen = 48

// MinTruncateLen is the smallest maxLen TruncateOneLine accepts. Anything
// shorter leaves no room for a character plus the ellipsis.
const MinTruncateLen = 4

// TruncateOneLine collapses a string onto a single line and truncates it to
// maxLen runes, appending "..." when content was cut. Runs of whitespace,
// including newlines, become single spaces. maxLen values below
// MinTruncateLen are clamped.
//
// Truncation counts runes, not bytes, so multi-byte characters are never
// split.
func TruncateOneLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
