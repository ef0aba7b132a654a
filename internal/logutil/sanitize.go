package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from strings that
// originate on the remote side (hostnames, error details, log paths) so a
// hostile remote cannot inject fake entries into the service log.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate caps a string at n runes, appending an ellipsis when cut. Used
// for failure details carried in status events.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
