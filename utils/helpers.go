package utils

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// IsValidInterval reports whether interval names a ClickHouse toStartOf* bucket.
func IsValidInterval(interval string) bool {
	switch interval {
	case "Minute", "Hour", "Day", "Week", "Month", "Quarter", "Year":
		return true
	default:
		return false
	}
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// UTMFromURL collects utm_* query parameters of rawURL. It returns nil when
// the URL cannot be parsed or carries none.
func UTMFromURL(rawURL string) map[string]any {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var utm map[string]any
	for key, values := range u.Query() {
		if !strings.HasPrefix(key, "utm_") || len(values) == 0 || values[0] == "" {
			continue
		}
		if utm == nil {
			utm = make(map[string]any)
		}
		utm[key] = values[0]
	}
	return utm
}
