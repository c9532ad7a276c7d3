package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"beemap/go-telemetry-server/internal/config"
	"beemap/go-telemetry-server/internal/model"
)

func testApp() *App {
	cfg := config.Server{HTTPPort: 0, BrokerURL: "tcp://localhost:1883", Topic: "bee_map/#"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger)
}

func get(t *testing.T, a *App, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, testApp(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzNotReadyBeforeConnect(t *testing.T) {
	rec := get(t, testApp(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before connect, got %d", rec.Code)
	}
}

func TestLatestEmptyLog(t *testing.T) {
	rec := get(t, testApp(), "/api/positions/latest")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on empty log, got %d", rec.Code)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	a := testApp()
	a.mgr.Log().Append(model.Position{
		ID:          "HIVE1-100",
		DeviceID:    "HIVE1",
		Coordinates: model.LatLng{Lat: 46.5, Lon: 6.6},
	})

	rec := get(t, a, "/api/positions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out struct {
		Positions []model.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if len(out.Positions) != 1 || out.Positions[0].DeviceID != "HIVE1" {
		t.Fatalf("unexpected positions: %+v", out.Positions)
	}
}

func TestSessionSnapshotEndpoint(t *testing.T) {
	rec := get(t, testApp(), "/api/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var snap model.SessionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if snap.State != model.StateIdle {
		t.Fatalf("expected idle state, got %s", snap.State)
	}
	if snap.DesiredTopic != "bee_map/#" {
		t.Fatalf("unexpected desired topic %s", snap.DesiredTopic)
	}
}

func TestSessionCommandRequiresPost(t *testing.T) {
	rec := get(t, testApp(), "/api/session/connect")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestTopicRejectsEmptyBody(t *testing.T) {
	a := testApp()
	req := httptest.NewRequest(http.MethodPost, "/api/session/topic", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestConfigEndpointServesDefaults(t *testing.T) {
	rec := get(t, testApp(), "/api/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sc config.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sc); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if sc.Topic != config.DefaultSession().Topic {
		t.Fatalf("unexpected topic %s", sc.Topic)
	}
}

func TestSanitizeInstance(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hive-pi.local", "beemap-hive-pi-local"},
		{"my host", "beemap-my-host"},
		{"", "beemap"},
		{"___", "beemap"},
	}
	for _, tt := range tests {
		if got := sanitizeInstance(tt.in); got != tt.want {
			t.Errorf("sanitizeInstance(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
