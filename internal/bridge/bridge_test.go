package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"beemap/go-telemetry-server/internal/config"
)

type recordedPublish struct {
	Topic   string
	Payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []recordedPublish
	err       error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.published = append(f.published, recordedPublish{Topic: topic, Payload: append([]byte(nil), payload...)})
	f.mu.Unlock()
	return nil
}

func testServer(pub *fakePublisher) *Server {
	cfg := config.Bridge{TopicPrefix: "bee_map"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger, pub, nil)
}

func postIngest(t *testing.T, s *Server, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not json: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestIngestRejectsNonJSONContentType(t *testing.T) {
	s := testServer(&fakePublisher{})

	rec := postIngest(t, s, "text/plain", `{"DevEUI_uplink":{"DevEUI":"x"}}`)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestIngestRejectsEmptyBody(t *testing.T) {
	s := testServer(&fakePublisher{})

	rec := postIngest(t, s, "application/json", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestRepublishesOriginalBody(t *testing.T) {
	pub := &fakePublisher{}
	s := testServer(pub)

	body := `{"DevEUI_uplink":{"DevEUI":"ABC123","DevLAT":48.85,"DevLON":2.35}}`
	rec := postIngest(t, s, "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	out := decodeBody(t, rec)
	if out["ok"] != true {
		t.Fatalf("expected ok:true, got %v", out)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.published))
	}
	if pub.published[0].Topic != "bee_map/ABC123" {
		t.Fatalf("expected topic bee_map/ABC123, got %s", pub.published[0].Topic)
	}
	if !bytes.Equal(pub.published[0].Payload, []byte(body)) {
		t.Fatalf("published body differs from original: %s", pub.published[0].Payload)
	}
}

func TestIngestCharsetParameterAccepted(t *testing.T) {
	pub := &fakePublisher{}
	s := testServer(pub)

	body := `{"DevEUI_uplink":{"DevEUI":"ABC123","DevLAT":1,"DevLON":2}}`
	rec := postIngest(t, s, "application/json; charset=utf-8", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIngestMissingEnvelopeIsNotAnError(t *testing.T) {
	pub := &fakePublisher{}
	s := testServer(pub)

	rec := postIngest(t, s, "application/json", `{"foo":"bar"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	out := decodeBody(t, rec)
	if out["ok"] != true || out["published"] != false || out["reason"] != "missing envelope" {
		t.Fatalf("unexpected response: %v", out)
	}
	if len(pub.published) != 0 {
		t.Fatal("expected no publish for missing envelope")
	}
}

func TestIngestMissingDeviceID(t *testing.T) {
	s := testServer(&fakePublisher{})

	rec := postIngest(t, s, "application/json", `{"DevEUI_location":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestMalformedJSON(t *testing.T) {
	s := testServer(&fakePublisher{})

	rec := postIngest(t, s, "application/json", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	s := testServer(pub)

	body := `{"DevEUI_uplink":{"DevEUI":"ABC123","DevLAT":1,"DevLON":2}}`
	rec := postIngest(t, s, "application/json", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	s := testServer(&fakePublisher{})

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := testServer(&fakePublisher{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}
