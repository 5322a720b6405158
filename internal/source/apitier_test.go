package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func apiServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPITier_Hit(t *testing.T) {
	var gotKey, gotLat string
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotLat = r.URL.Query().Get("lat")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"elevation": 27.3}`))
	})

	tier := NewAPITier(APIConfig{ID: "gpxz_api", Endpoint: srv.URL, Key: "secret"}, srv.Client())
	out := tier.Attempt(context.Background(), -27.4698, 153.0251)

	if out.Kind != OutcomeHit || out.Elevation != 27.3 {
		t.Fatalf("got %+v", out)
	}
	if out.SourceID != "gpxz_api" {
		t.Errorf("source id = %s", out.SourceID)
	}
	if gotKey != "secret" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotLat != "-27.469800" {
		t.Errorf("lat param = %q", gotLat)
	}
}

func TestAPITier_NestedFieldAndNull(t *testing.T) {
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": {"elevation": null}}`))
	})
	tier := NewAPITier(APIConfig{ID: "google_api", Endpoint: srv.URL, ElevationField: "result.elevation"}, srv.Client())

	out := tier.Attempt(context.Background(), 0, -160)
	if out.Kind != OutcomeMiss {
		t.Fatalf("null elevation must be a miss, got %+v", out)
	}
}

func TestAPITier_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   OutcomeKind
	}{
		{http.StatusInternalServerError, OutcomeRetriable},
		{http.StatusBadGateway, OutcomeRetriable},
		{http.StatusRequestTimeout, OutcomeRetriable},
		{http.StatusTooManyRequests, OutcomeRetriable},
		{http.StatusBadRequest, OutcomePermanent},
		{http.StatusUnauthorized, OutcomePermanent},
		{http.StatusForbidden, OutcomePermanent},
	}
	for _, c := range cases {
		status := c.status
		srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		tier := NewAPITier(APIConfig{ID: "gpxz_api", Endpoint: srv.URL}, srv.Client())
		out := tier.Attempt(context.Background(), 0, 0)
		if out.Kind != c.kind {
			t.Errorf("status %d classified %v, want %v", c.status, out.Kind, c.kind)
		}
	}
}

func TestAPITier_RetryAfterHeader(t *testing.T) {
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	tier := NewAPITier(APIConfig{ID: "gpxz_api", Endpoint: srv.URL}, srv.Client())

	out := tier.Attempt(context.Background(), 0, 0)
	if out.RetryAfter != 2*time.Second {
		t.Errorf("retry-after = %v", out.RetryAfter)
	}
}

func TestAPITier_Timeout(t *testing.T) {
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"elevation": 1}`))
	})
	tier := NewAPITier(APIConfig{ID: "gpxz_api", Endpoint: srv.URL}, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := tier.Attempt(ctx, 0, 0)
	if out.Kind != OutcomeRetriable {
		t.Fatalf("timeout must be retriable, got %+v", out)
	}
}

func TestAPITier_GarbageBody(t *testing.T) {
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	tier := NewAPITier(APIConfig{ID: "gpxz_api", Endpoint: srv.URL}, srv.Client())

	out := tier.Attempt(context.Background(), 0, 0)
	if out.Kind != OutcomePermanent {
		t.Fatalf("unparseable body must be permanent, got %+v", out)
	}
}

func TestExtractElevation(t *testing.T) {
	if v, ok, err := extractElevation([]byte(`{"elevation": 10.5}`), "elevation"); err != nil || !ok || v != 10.5 {
		t.Errorf("flat field: %v %v %v", v, ok, err)
	}
	if _, ok, err := extractElevation([]byte(`{"other": 1}`), "elevation"); err != nil || ok {
		t.Errorf("absent field must be a quiet miss: %v %v", ok, err)
	}
	if _, _, err := extractElevation([]byte(`{"elevation": "high"}`), "elevation"); err == nil {
		t.Error("non-numeric elevation must error")
	}
}
