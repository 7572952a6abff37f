// Package textnorm folds customer text for keyword and name matching.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips diacritics and collapses whitespace, so
// "  Mañana  a las 10 " becomes "manana a las 10".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// ContainsPhrase reports whether the folded phrase occurs in the folded
// text on word boundaries: "la banda" matches "en la banda" but "banda"
// does not match "bandana".
func ContainsPhrase(text, phrase string) bool {
	f, p := Fold(text), Fold(phrase)
	if p == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(f[from:], p)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(p)
		if (start == 0 || !isWordByte(f[start-1])) && (end == len(f) || !isWordByte(f[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
