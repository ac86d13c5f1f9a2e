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

	"github.com/codepair/collab-engine/internal/api"
	"github.com/codepair/collab-engine/internal/hub"
	"github.com/codepair/collab-engine/internal/logging"
	"github.com/codepair/collab-engine/internal/metrics"
	"github.com/codepair/collab-engine/internal/session"
	"github.com/codepair/collab-engine/internal/ws"
	"github.com/codepair/collab-engine/pkg/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	configPath := os.Getenv("CONFIG_PATH")
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logger.Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	store := session.NewStore(cfg.Session.ExpiryWindow.Std(), logger.With("component", "store"))
	broadcaster := hub.New(logger.With("component", "hub"))
	events := logging.NewEventLogger(logger.With("component", "events"))

	dispatcher := ws.NewDispatcher(store, broadcaster, logger.With("component", "dispatcher"), events)
	wsHandler := ws.NewHandler(dispatcher, cfg.Server.AllowedOrigins, logger.With("component", "ws"), events)

	router := api.NewRouter(store, wsHandler, cfg.Server.AllowedOrigins, logger.With("component", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, store.Scheduler(), logger.With("component", "config"))
		go watcher.Watch(ctx)
	}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger.With("component", "metrics"))
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("collab engine started",
			"port", cfg.Server.Port,
			"expiry_window", cfg.Session.ExpiryWindow.Std(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	store.Close()

	logger.Info("stopped")
}
