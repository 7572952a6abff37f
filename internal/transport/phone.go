package transport

import "strings"

// NormalizePhone reduces a provider address to "+" followed by digits. It
// strips the "whatsapp:" scheme, WhatsApp JID suffixes ("@s.whatsapp.net",
// device ":12" parts) and every non-digit. An address without digits
// normalizes to "".
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "whatsapp:"), "WhatsApp:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// Digits returns the phone without its leading "+".
func Digits(phone string) string {
	return strings.TrimPrefix(NormalizePhone(phone), "+")
}
