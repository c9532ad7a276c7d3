// Package config derives process configuration from environment variables
// with built-in defaults, and loads the session/map configuration consumed
// by the browser client. Configuration failures are never fatal; the
// defaults always apply.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Server lists the tunable parameters of the viewer service.
type Server struct {
	HTTPPort           int
	BrokerURL          string
	Topic              string
	SessionConfigPath  string
	SessionConfigURL   string
	EmbeddedBrokerBind string
	LogLevel           string
}

// Bridge lists the tunable parameters of the ingest bridge.
type Bridge struct {
	HTTPPort     int
	BrokerURL    string
	TopicPrefix  string
	DatabasePath string
	LogLevel     string
}

const (
	defaultHTTPPort          = 8080
	defaultBridgeHTTPPort    = 8081
	defaultBrokerURL         = "tcp://localhost:1883"
	defaultTopic             = "bee_map/#"
	defaultTopicPrefix       = "bee_map"
	defaultSessionConfigPath = "config/beemap.yaml"
	defaultBridgeDBPath      = "data/bridge.db"
	defaultLogLevel          = "info"
)

// LoadServer derives viewer configuration from environment variables,
// falling back to defaults.
func LoadServer() (Server, error) {
	cfg := Server{
		HTTPPort:          defaultHTTPPort,
		BrokerURL:         defaultBrokerURL,
		Topic:             defaultTopic,
		SessionConfigPath: defaultSessionConfigPath,
		LogLevel:          defaultLogLevel,
	}

	if v := os.Getenv("BEEMAP_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("invalid BEEMAP_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BEEMAP_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}

	if v := os.Getenv("BEEMAP_TOPIC"); v != "" {
		cfg.Topic = v
	}

	if v := os.Getenv("BEEMAP_SESSION_CONFIG"); v != "" {
		cfg.SessionConfigPath = v
	}

	if v := os.Getenv("BEEMAP_SESSION_CONFIG_URL"); v != "" {
		cfg.SessionConfigURL = v
	}

	if v := os.Getenv("BEEMAP_EMBEDDED_BROKER"); v != "" {
		cfg.EmbeddedBrokerBind = v
	}

	if v := os.Getenv("BEEMAP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadBridge derives bridge configuration from environment variables,
// falling back to defaults.
func LoadBridge() (Bridge, error) {
	cfg := Bridge{
		HTTPPort:     defaultBridgeHTTPPort,
		BrokerURL:    defaultBrokerURL,
		TopicPrefix:  defaultTopicPrefix,
		DatabasePath: defaultBridgeDBPath,
		LogLevel:     defaultLogLevel,
	}

	if v := os.Getenv("BEEMAP_BRIDGE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Bridge{}, fmt.Errorf("invalid BEEMAP_BRIDGE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BEEMAP_BRIDGE_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}

	if v := os.Getenv("BEEMAP_BRIDGE_TOPIC_PREFIX"); v != "" {
		cfg.TopicPrefix = strings.TrimSuffix(v, "/")
	}

	if v := os.Getenv("BEEMAP_BRIDGE_DB"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BEEMAP_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LogLevel translates a level name into a slog leveler, defaulting to info.
func LogLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
