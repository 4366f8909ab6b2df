package tgui

// TruncRunes caps s at n runes, appending an ellipsis when something
// was cut. Button labels and error excerpts go through this so
// multi-byte names (Bürgerbüro...) never get split mid-rune.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
