package util

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeText trims, strips control characters and escapes markup in
// operator-supplied free text (threat notes, descriptions) before it is
// persisted and shown on dashboards.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	if maxLen > 0 && len([]rune(s)) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return html.EscapeString(s)
}

// IsHexString reports whether s is non-empty and only hex digits.
func IsHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
