package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKey requires "Authorization: Bearer <key>" or "X-API-Key: <key>" on
// every request. An empty key disables the check for local deployments.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validKey(requestKey(r), key) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="promptloop"`)
				http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	// browsers cannot set headers on a websocket handshake
	return r.URL.Query().Get("api_key")
}

func validKey(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
