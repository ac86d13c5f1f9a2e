package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/codepair/collab-engine/internal/logging"
	"github.com/codepair/collab-engine/internal/metrics"
)

// Handler upgrades HTTP requests to websocket connections and hands them to
// the dispatcher.
type Handler struct {
	upgrader   websocket.Upgrader
	dispatcher *Dispatcher
	logger     *slog.Logger
	events     *logging.EventLogger
}

func NewHandler(d *Dispatcher, allowedOrigins []string, logger *slog.Logger, events *logging.EventLogger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		dispatcher: d,
		logger:     logger,
		events:     events,
	}
}

// originChecker allows every origin when the list is empty or contains "*",
// otherwise only exact matches.
func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// ServeHTTP upgrades the connection and blocks serving it until disconnect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, h.logger, h.events)
	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	h.logger.Info("client connected", "conn_id", client.ID(), "remote", r.RemoteAddr)

	go client.writePump()
	h.dispatcher.Serve(client)

	h.logger.Info("client disconnected", "conn_id", client.ID())
}
