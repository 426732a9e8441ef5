package httppool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "ok")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	p := New()
	resp, err := p.Request(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if resp.Header.Get("X-Test") != "ok" {
		t.Errorf("missing X-Test header")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New()
	p.Close()
	p.Close()
}

func TestCloseThenReuseRebuilds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	if _, err := p.Request(context.Background(), http.MethodGet, srv.URL, nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	p.Close()
	resp, err := p.Request(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request after close: %v", err)
	}
	resp.Body.Close()
}

func TestWithLimitsOverridesDefaults(t *testing.T) {
	p := New(WithLimits(5, 50))
	if p.maxIdleConnsPerHost != 5 || p.maxConnsPerHost != 50 {
		t.Errorf("limits not applied: %+v", p)
	}
}
