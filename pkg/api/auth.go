// API authentication middleware — static bearer token.
//
// When gateway.api_key is non-empty, all API requests MUST carry:
//
//	Authorization: Bearer <api_key>
//
// or:
//
//	X-API-Key: <api_key>
//
// Exempt routes (no token required):
//   - GET /api/health
//
// WebSocket upgrade requests check the token in the query param as fallback:
//   ws://host/api/ws?token=<api_key>
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lwgray/marcus/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. If apiKey is
// empty the middleware is a pass-through (NewServer auto-generates a key so
// this branch should not be reached under normal operation).
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API auth DISABLED — auto-keygen failed")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// OPTIONS preflight — let CORS middleware handle it
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="marcus"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized — bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from the Authorization header,
// X-API-Key header, or ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require authentication.
func isPublicPath(path string) bool {
	return path == "/api/health"
}
