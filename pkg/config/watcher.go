package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// WindowSetter is the piece of the expiry scheduler the watcher retunes.
type WindowSetter interface {
	SetWindow(time.Duration)
}

// Watcher polls the config file and applies expiry window changes to a
// running scheduler without a restart. Other settings still require one.
type Watcher struct {
	path     string
	target   WindowSetter
	interval time.Duration
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, target WindowSetter, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		target:   target,
		interval: 5 * time.Second,
		logger:   logger,
	}
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				w.logger.Warn("config stat failed", "path", w.path, "error", err)
				continue
			}

			if !info.ModTime().After(w.lastMod) {
				continue
			}

			w.lastMod = info.ModTime()

			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed", "path", w.path, "error", err)
				continue
			}

			w.target.SetWindow(cfg.Session.ExpiryWindow.Std())
			w.logger.Info("config reloaded", "expiry_window", cfg.Session.ExpiryWindow.Std())
		}
	}
}
