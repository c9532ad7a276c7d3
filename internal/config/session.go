package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"beemap/go-telemetry-server/internal/model"
)

// Session is the configuration the map client consumes at session start:
// where to connect, what to subscribe to, and how to frame the map. The
// marker icon is an explicit value here, not a process-wide default
// mutated at startup.
type Session struct {
	BrokerURL  string          `json:"broker_url" yaml:"broker_url"`
	Topic      string          `json:"topic" yaml:"topic"`
	MapCenter  model.LatLng    `json:"map_center" yaml:"map_center"`
	MapZoom    int             `json:"map_zoom" yaml:"map_zoom"`
	MarkerIcon string          `json:"marker_icon" yaml:"marker_icon"`
	Gateways   []model.Gateway `json:"gateways" yaml:"gateways"`
}

// DefaultSession returns the built-in session configuration used whenever
// loading fails or fields are absent.
func DefaultSession() Session {
	return Session{
		BrokerURL:  defaultBrokerURL,
		Topic:      defaultTopic,
		MapCenter:  model.LatLng{Lat: 46.5197, Lon: 6.6323},
		MapZoom:    13,
		MarkerIcon: "/static/marker.png",
	}
}

// LoadSessionFile reads the YAML session configuration at path, layering it
// over the defaults. Any failure falls back to the defaults entirely; the
// session always proceeds.
func LoadSessionFile(path string, logger *slog.Logger) Session {
	cfg := DefaultSession()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("session config unavailable, using defaults", "path", path, "error", err)
		return DefaultSession()
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Warn("session config malformed, using defaults", "path", path, "error", err)
		return DefaultSession()
	}

	cfg.fillEmpty()
	return cfg
}

// FetchSession retrieves the JSON session configuration from url once at
// session start. A failed fetch is logged and the defaults apply.
func FetchSession(ctx context.Context, url string, logger *slog.Logger) Session {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("session config fetch failed, using defaults", "url", url, "error", err)
		return DefaultSession()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("session config fetch failed, using defaults", "url", url, "error", err)
		return DefaultSession()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("session config fetch failed, using defaults", "url", url, "error", fmt.Errorf("status %d", resp.StatusCode))
		return DefaultSession()
	}

	cfg := DefaultSession()
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		logger.Warn("session config malformed, using defaults", "url", url, "error", err)
		return DefaultSession()
	}

	cfg.fillEmpty()
	return cfg
}

// fillEmpty restores defaults for fields the loaded document left blank.
func (s *Session) fillEmpty() {
	def := DefaultSession()
	if s.BrokerURL == "" {
		s.BrokerURL = def.BrokerURL
	}
	if s.Topic == "" {
		s.Topic = def.Topic
	}
	if s.MapCenter == (model.LatLng{}) {
		s.MapCenter = def.MapCenter
	}
	if s.MapZoom <= 0 {
		s.MapZoom = def.MapZoom
	}
	if s.MarkerIcon == "" {
		s.MarkerIcon = def.MarkerIcon
	}
}
