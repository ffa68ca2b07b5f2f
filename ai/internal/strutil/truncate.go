// Package strutil provides string helpers shared by the ai packages.
package strutil

import "strings"

// Truncate cuts s to at most maxLen runes, appending "..." when cut.
// Rune-level so multi-byte text (Chinese, emoji) is never split.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Preview renders s on one line for log attributes: line breaks and runs
// of whitespace collapse to a single space before truncation.
func Preview(s string, maxLen int) string {
	return Truncate(strings.Join(strings.Fields(s), " "), maxLen)
}
