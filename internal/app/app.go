// Package app wires the viewer service together: the broker session, the
// live WebSocket feed, the HTTP API the map client consumes, optional mDNS
// advertisement, and the optional embedded development broker.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"beemap/go-telemetry-server/internal/config"
	"beemap/go-telemetry-server/internal/model"
	"beemap/go-telemetry-server/internal/mqttd"
	"beemap/go-telemetry-server/internal/poslog"
	"beemap/go-telemetry-server/internal/session"
	"beemap/go-telemetry-server/internal/ws"
)

// App is the viewer service.
type App struct {
	cfg    config.Server
	logger *slog.Logger

	mgr *session.Manager
	hub *ws.Hub

	sessionMu  sync.RWMutex
	sessionCfg config.Session

	mdns mdnsServer
}

// New assembles the viewer around its configuration. The session manager
// starts from the environment's broker and topic; session configuration
// loaded later may override both.
func New(cfg config.Server, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		mgr: session.NewManager(session.Options{
			BrokerURL: cfg.BrokerURL,
			Topic:     cfg.Topic,
			Logger:    logger,
		}),
		hub:        ws.NewHub(),
		sessionCfg: config.DefaultSession(),
	}
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.EmbeddedBrokerBind != "" {
		broker := mqttd.New(a.logger)
		if _, err := broker.Start(a.cfg.EmbeddedBrokerBind); err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
		defer func() {
			if err := broker.Stop(); err != nil {
				a.logger.Error("failed to stop embedded broker", "error", err)
			}
		}()
	}

	go a.mgr.Run(ctx)
	go a.hub.Run(ctx)
	go a.loadSessionConfig(ctx)
	go a.pumpFeed()

	if err := a.startMDNS(); err != nil {
		// discovery is best effort
		a.logger.Warn("mdns advertisement unavailable", "error", err)
	}
	defer a.stopMDNS()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:      a.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// loadSessionConfig resolves the session configuration off the main path.
// The session's warm-up timer does not wait for this, so a slow fetch may
// lose the race with the first connection attempt; the fetched broker and
// topic then apply on the next reconnect or topic change.
func (a *App) loadSessionConfig(ctx context.Context) {
	var sc config.Session
	if a.cfg.SessionConfigURL != "" {
		sc = config.FetchSession(ctx, a.cfg.SessionConfigURL, a.logger)
	} else {
		sc = config.LoadSessionFile(a.cfg.SessionConfigPath, a.logger)
	}

	a.sessionMu.Lock()
	a.sessionCfg = sc
	a.sessionMu.Unlock()

	a.mgr.Configure(sc.BrokerURL, sc.Topic)
}

// pumpFeed forwards live session events to the WebSocket hub until the
// session closes its channels.
func (a *App) pumpFeed() {
	positions := a.mgr.Positions()
	status := a.mgr.Status()

	for positions != nil || status != nil {
		select {
		case pos, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			a.hub.Broadcast(ws.Event{Type: "position", Data: pos})
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			a.hub.Broadcast(ws.Event{Type: "status", Data: st})
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/positions", a.handlePositions)
	mux.HandleFunc("/api/positions/sorted", a.handlePositionsSorted)
	mux.HandleFunc("/api/positions/latest", a.handleLatest)
	mux.HandleFunc("/api/trail", a.handleTrail)
	mux.HandleFunc("/api/accuracy", a.handleAccuracy)
	mux.HandleFunc("/api/session", a.handleSession)
	mux.HandleFunc("/api/session/connect", a.sessionCommand(a.mgr.Connect))
	mux.HandleFunc("/api/session/disconnect", a.sessionCommand(a.mgr.Disconnect))
	mux.HandleFunc("/api/session/cancel", a.sessionCommand(a.mgr.Cancel))
	mux.HandleFunc("/api/session/topic", a.handleTopic)
	mux.Handle("/ws", a.hub.Handler())

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := a.mgr.Snapshot()
	if snap.State != model.StateConnected {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"state": snap.State,
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "state": snap.State})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.sessionMu.RLock()
	sc := a.sessionCfg
	a.sessionMu.RUnlock()
	a.writeJSON(w, http.StatusOK, sc)
}

func (a *App) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Positions []model.Position `json:"positions"`
	}{Positions: a.mgr.Log().All()})
}

func (a *App) handlePositionsSorted(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Positions []model.Position `json:"positions"`
	}{Positions: a.mgr.Log().SortedByReceipt()})
}

func (a *App) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	pos, ok := a.mgr.Log().Latest()
	if !ok {
		http.Error(w, "no positions recorded", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, pos)
}

func (a *App) handleTrail(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Segments []poslog.Segment `json:"segments"`
	}{Segments: a.mgr.Log().TrailSegments()})
}

func (a *App) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Positions []model.Position `json:"positions"`
	}{Positions: a.mgr.Log().WithAccuracy()})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	a.writeJSON(w, http.StatusOK, a.mgr.Snapshot())
}

// sessionCommand adapts a fire-and-forget session call into a POST handler.
// The command is queued; the resulting state arrives over the feed and the
// session snapshot.
func (a *App) sessionCommand(cmd func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd()
		a.writeJSON(w, http.StatusAccepted, a.mgr.Snapshot())
	}
}

func (a *App) handleTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		http.Error(w, "body must be {\"topic\": \"...\"}", http.StatusBadRequest)
		return
	}

	a.mgr.SetTopic(req.Topic)
	a.writeJSON(w, http.StatusAccepted, a.mgr.Snapshot())
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (a *App) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
