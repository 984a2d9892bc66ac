// Package auth provides the static service API key middleware for the
// loomd API. This is deployment protection for a single-operator
// daemon, not user authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Noop returns a middleware that passes every request through
// unchanged. This is the default when no API key is configured.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware that validates requests against a static
// service key, read from "X-API-Key: <key>" or "Authorization: Bearer
// <key>". An empty configured key behaves like Noop. Health endpoints
// stay reachable for container probes. Comparison uses
// crypto/subtle.ConstantTimeCompare.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}

	keyBytes := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			token := extractKey(r)
			if token == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), keyBytes) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractKey reads the key from X-API-Key, falling back to a bearer
// token.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
