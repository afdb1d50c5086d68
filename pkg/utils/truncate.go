package utils

import "unicode/utf8"

// TruncateUTF8 cuts s to at most max bytes, backing off to the previous rune
// boundary so the result is always valid UTF-8.
func TruncateUTF8(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
