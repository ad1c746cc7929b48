package identity

import (
	"strings"
	"unicode"
)

const maxHandleLen = 64

// NormalizeHandle performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case.
func NormalizeHandle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// validHandle accepts normalized handles of letters, digits, '.', '_' and '-'.
func validHandle(norm string) bool {
	if norm == "" || len(norm) > maxHandleLen {
		return false
	}
	for _, r := range norm {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
