package logutil

import "strings"

// maxLogLen caps untrusted strings such as remote commands in log lines.
const maxLogLen = 200

// SanitizeForLog replaces newlines and tabs with spaces and drops other control
// characters so request-supplied strings cannot forge log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate sanitizes s and shortens it to at most maxLogLen runes.
func Truncate(s string) string {
	s = SanitizeForLog(s)
	if r := []rune(s); len(r) > maxLogLen {
		return string(r[:maxLogLen]) + "..."
	}
	return s
}
