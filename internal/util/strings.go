// Package util provides small shared helpers that don't belong to a domain
// package.
package util

// SafeTruncate returns at most maxLen leading characters of s without
// panicking on short input. Codes and tokens must never be logged whole;
// a short prefix is enough to correlate log lines.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
