// Package bridge accepts HTTP-posted telemetry and republishes it onto the
// bus so devices that cannot speak MQTT directly can still feed the map.
// The original request body goes onto the bus byte for byte; the bridge
// validates, it never normalizes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"beemap/go-telemetry-server/internal/config"
	"beemap/go-telemetry-server/internal/envelope"
	"beemap/go-telemetry-server/internal/model"
	"beemap/go-telemetry-server/internal/store"
)

// Publisher sends a payload to a bus topic at QoS 0. One process-wide
// connection backs all requests; concurrent publishes are independent
// fire-and-forget operations with no cross-request ordering guarantee.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Server handles the bridge's HTTP surface.
type Server struct {
	cfg     config.Bridge
	logger  *slog.Logger
	pub     Publisher
	journal *store.Store
}

// New constructs a bridge server. journal may be nil; rejected ingests are
// then logged only.
func New(cfg config.Bridge, logger *slog.Logger, pub Publisher, journal *store.Store) *Server {
	return &Server{cfg: cfg, logger: logger, pub: pub, journal: journal}
}

// Routes returns the bridge's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/ingest-errors", s.handleIngestErrors)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{
			"ok":    false,
			"error": "content type must be application/json",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "empty body",
		})
		return
	}

	inner, reason := envelope.Select(body)
	switch reason {
	case envelope.DiscardMalformedJSON:
		s.recordError(r.Context(), "", body, fmt.Errorf("malformed json"))
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "malformed json",
		})
		return
	case envelope.DiscardNoPayload:
		// unrelated traffic may hit this endpoint; deliberately not an error
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":        true,
			"published": false,
			"reason":    "missing envelope",
		})
		return
	}

	deviceID, ok := envelope.DeviceID(inner)
	if !ok {
		s.recordError(r.Context(), "", body, fmt.Errorf("missing device identifier"))
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "missing device identifier",
		})
		return
	}

	topic := s.cfg.TopicPrefix + "/" + deviceID

	// republish the byte-exact original body, not the decoded form
	if err := s.pub.Publish(topic, body); err != nil {
		s.logger.Error("publish failed", "topic", topic, "error", err)
		s.recordError(r.Context(), deviceID, body, fmt.Errorf("publish: %w", err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": "publish failed",
		})
		return
	}

	s.logger.Info("republished telemetry", "device", deviceID, "topic", topic, "bytes", len(body))
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIngestErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := s.journal.RecentIngestErrors(ctx, limit)
	if err != nil {
		s.logger.Error("failed to load ingest errors", "error", err)
		http.Error(w, "failed to load ingest errors", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Errors []model.StoredIngestError `json:"errors"`
	}{Errors: entries})
}

func (s *Server) recordError(ctx context.Context, deviceID string, payload []byte, cause error) {
	if s.journal == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestError{
		DeviceID: deviceID,
		Payload:  truncateString(string(payload), 4096),
		Error:    cause.Error(),
	}

	if err := s.journal.InsertIngestError(recCtx, entry); err != nil {
		s.logger.Error("failed to journal ingest error", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
