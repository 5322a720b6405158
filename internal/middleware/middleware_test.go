package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKey_Accepts(t *testing.T) {
	h := APIKey("sekrit")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/elevation", nil)
	req.Header.Set(APIKeyHeader, "sekrit")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("valid key rejected: %d", w.Code)
	}
}

func TestAPIKey_Rejects(t *testing.T) {
	h := APIKey("sekrit")(okHandler())

	for _, key := range []string{"", "wrong", "SEKRIT"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/elevation", nil)
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("key %q accepted with status %d", key, w.Code)
		}
	}
}

func TestAPIKey_DisabledWhenEmpty(t *testing.T) {
	h := APIKey("")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/elevation", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("empty configured key must disable the check: %d", w.Code)
	}
}

func TestTimeout_PropagatesDeadline(t *testing.T) {
	var hadDeadline bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	})
	h := Timeout(50 * time.Millisecond)(inner)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hadDeadline {
		t.Error("handler context must carry the timeout deadline")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("frame options header missing")
	}
}
