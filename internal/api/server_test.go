package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coldwire/s2s/internal/api/handlers"
	"github.com/coldwire/s2s/internal/api/models"
	"github.com/coldwire/s2s/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{API: config.APIConfig{Host: "127.0.0.1", Port: 8080}}
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := New(testConfig(), testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body models.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("unexpected status: %q", body.Status)
	}
}

func TestRoutesEndpointReflectsSnapshot(t *testing.T) {
	snap := func() handlers.Snapshot {
		return handlers.Snapshot{
			Routes: []models.RouteEntry{{From: "a.example", To: "b.example", State: "valid"}},
		}
	}
	srv := New(testConfig(), testLogger(), snap)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/routes", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	var body models.RoutesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Routes) != 1 || body.Routes[0].From != "a.example" {
		t.Fatalf("unexpected routes: %+v", body.Routes)
	}
}

func TestAPIKeyMiddlewareRejectsWrongKey(t *testing.T) {
	cfg := testConfig()
	cfg.API.Key = "s3cr3t"
	srv := New(cfg, testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req2.Header.Set("X-API-Key", "s3cr3t")
	rec2 := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct key, got %d", rec2.Code)
	}
}
