package strx

// Coalesce returns s if non-empty, otherwise d.
func Coalesce(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// Clip returns at most n bytes of s.
func Clip(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}
