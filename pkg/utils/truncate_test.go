package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "abc", TruncateUTF8("abc", 10), "short strings pass through")
	assert.Equal(t, "ab", TruncateUTF8("abcd", 2))
	assert.Equal(t, "", TruncateUTF8("abc", 0))
}

func TestTruncateUTF8NeverSplitsRunes(t *testing.T) {
	// "Conclusões" ends in multibyte runes; cutting mid-rune must back off.
	s := strings.Repeat("Conclusões finais à tração — ", 10)
	for max := 1; max < len(s); max++ {
		out := TruncateUTF8(s, max)
		assert.True(t, utf8.ValidString(out), "max=%d", max)
		assert.LessOrEqual(t, len(out), max)
	}
}
