package tgui

import "unicode/utf8"

// TruncRunes shortens s to n runes plus "…" when it is longer than n.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
