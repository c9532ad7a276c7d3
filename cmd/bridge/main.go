package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beemap/go-telemetry-server/internal/bridge"
	"beemap/go-telemetry-server/internal/config"
	"beemap/go-telemetry-server/internal/store"
)

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Bridge, logger *slog.Logger) error {
	journal, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	if err := journal.InitSchema(ctx); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}

	pub, err := bridge.NewPahoPublisher(cfg.BrokerURL, fmt.Sprintf("beemap-bridge-%d", os.Getpid()))
	if err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	defer pub.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      bridge.New(cfg, logger, pub, journal).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", srv.Addr, "broker", cfg.BrokerURL, "prefix", cfg.TopicPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
