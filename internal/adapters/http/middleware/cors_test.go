package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"http://localhost:3000", "https://example.com"})(okHandler())

	tests := []struct {
		name              string
		method            string
		origin            string
		expectAllowOrigin string
		expectCredentials string
		expectStatusCode  int
	}{
		{"allowed origin with credentials", http.MethodGet, "http://localhost:3000", "http://localhost:3000", "true", http.StatusOK},
		{"another allowed origin", http.MethodPost, "https://example.com", "https://example.com", "true", http.StatusOK},
		{"disallowed origin", http.MethodGet, "https://evil.com", "", "", http.StatusOK},
		{"no origin header", http.MethodGet, "", "", "", http.StatusOK},
		{"preflight allowed origin", http.MethodOptions, "http://localhost:3000", "http://localhost:3000", "true", http.StatusNoContent},
		{"preflight disallowed origin", http.MethodOptions, "https://evil.com", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectStatusCode, rr.Code)
			assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.expectCredentials, rr.Header().Get("Access-Control-Allow-Credentials"))
			assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
		})
	}
}

func TestCORS_WildcardNeverSendsCredentials(t *testing.T) {
	handler := CORS([]string{"*"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anywhere.dev")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))

	preflight := httptest.NewRequest(http.MethodOptions, "/", nil)
	preflight.Header.Set("Origin", "https://anywhere.dev")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, preflight)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
