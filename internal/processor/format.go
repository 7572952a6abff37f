package processor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxReplyLength caps outbound text in characters.
const MaxReplyLength = 1000

var (
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// FormatWhatsApp strips the markdown WhatsApp does not render and caps the
// length, cutting on a word boundary when one is close.
func FormatWhatsApp(s string) string {
	s = boldRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) <= MaxReplyLength {
		return s
	}
	r := []rune(s)[:MaxReplyLength-3]
	cut := string(r)
	if i := strings.LastIndexByte(cut, ' '); i > 0 && utf8.RuneCountInString(cut[i:]) < 50 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}
