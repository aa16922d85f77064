package observability

import (
	"strings"
	"unicode"
)

const (
	maxRouteLength  = 180
	maxMethodLength = 10
	maxActorLength  = 64
)

// sanitizeString drops control characters and truncates to limit runes so header values cannot forge log lines.
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

func SanitizeRoute(route string) string {
	if route = sanitizeString(route, maxRouteLength); route == "" {
		return "/"
	}
	return route
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(sanitizeString(method, maxMethodLength))
}

// SanitizeActor accepts identifiers such as "user:42", "staff:ops@example.com" or "system".
// Anything with other characters, or longer than 64 bytes, yields "".
func SanitizeActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" || len(actor) > maxActorLength {
		return ""
	}
	for _, r := range actor {
		if !isActorRune(r) {
			return ""
		}
	}
	return actor
}

func isActorRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(":_-.@", r)
}
