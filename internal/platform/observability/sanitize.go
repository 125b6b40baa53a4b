package observability

import (
	"net/http"
	"strings"
	"unicode"
)

// sanitizeString drops control characters and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute bounds a route pattern for use as a log field or metric label.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod folds non-standard methods into OTHER to keep metric labels bounded.
func SanitizeMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions:
		return method
	default:
		return "OTHER"
	}
}
