package models

import (
	"strings"
	"unicode/utf8"
)

// TitleFromText derives a conversation title from the first user message:
// the first TitleMaxRunes runes with whitespace collapsed.
func TitleFromText(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	return Truncate(title, TitleMaxRunes)
}

// Truncate returns at most n runes of s without splitting a multi-byte character.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
