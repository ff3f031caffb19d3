package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/modwarden/ledger"
)

func TestHealthz(t *testing.T) {
	h := NewMux(Deps{StartedAt: time.Now()})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("correlation id header missing")
	}
}

func TestCorrelationIDReused(t *testing.T) {
	h := NewMux(Deps{StartedAt: time.Now()})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "given-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "given-id" {
		t.Fatalf("correlation id = %q, want given-id", got)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	l := ledger.New()
	l.Increment("g1", "u1", "slur")
	l.Increment("g2", "u2", "slur")

	h := NewMux(Deps{Ledger: l, StartedAt: time.Now().Add(-3 * time.Second)})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body not JSON: %v", err)
	}
	if body["communities"] != float64(2) {
		t.Fatalf("communities = %v, want 2", body["communities"])
	}
	if body["dirty_communities"] != float64(2) {
		t.Fatalf("dirty_communities = %v, want 2", body["dirty_communities"])
	}
	if body["uptime_seconds"].(float64) < 3 {
		t.Fatalf("uptime_seconds = %v, want >= 3", body["uptime_seconds"])
	}
}

func TestStatusCodePropagatedThroughMiddleware(t *testing.T) {
	h := NewMux(Deps{StartedAt: time.Now()})
	req := httptest.NewRequest(http.MethodGet, "/no-such-route", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpointExists(t *testing.T) {
	h := NewMux(Deps{StartedAt: time.Now()})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
}
