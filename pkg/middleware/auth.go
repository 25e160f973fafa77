// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"log/slog"
	"net/http"
)

// APIKeyValidator is a function that validates an API key.
type APIKeyValidator func(key string) bool

// Auth creates an authentication middleware that validates API keys.
// With no API key configured the middleware passes everything through.
func Auth(validate APIKeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health stays unauthenticated for probes
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Get API key from header
			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				// Also check Authorization header (Bearer token)
				auth := r.Header.Get("Authorization")
				if len(auth) > 7 && auth[:7] == "Bearer " {
					apiKey = auth[7:]
				}
			}

			if apiKey == "" {
				logger.Warn("missing API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Missing API key")
				return
			}

			if !validate(apiKey) {
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an authentication error in OpenAI error format.
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"` + message + `","type":"authentication_error"}}`))
}
