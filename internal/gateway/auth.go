package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks a static bearer token on every route except the
// health check. An empty token disables the check; config validation only
// allows that on a loopback bind address.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates an auth middleware for token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !am.Allowed(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether r carries the configured token.
func (am *AuthMiddleware) Allowed(r *http.Request) bool {
	if am.token == "" {
		return true
	}
	key := ExtractToken(r)
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) == 1
}

// ExtractToken reads the token from "Authorization: Bearer <token>", then
// the access_token query parameter. Browsers cannot set headers on a
// WebSocket handshake, hence the query fallback.
func ExtractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return r.URL.Query().Get("access_token")
}
