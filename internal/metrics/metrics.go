package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_active",
		Help: "The current number of live sessions.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sessions_created_total",
		Help: "The total number of sessions created.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sessions_expired_total",
		Help: "The total number of sessions deleted by the expiry scheduler.",
	})

	// Protocol metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_received_total",
		Help: "The total number of protocol events received from clients.",
	}, []string{"event"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_messages_sent_total",
		Help: "The total number of protocol events written to clients.",
	})
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcasts_dropped_total",
		Help: "The total number of broadcast deliveries dropped because the recipient was gone or too slow.",
	})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_messages_malformed_total",
		Help: "The total number of inbound frames rejected as malformed.",
	})
)

// Server serves the Prometheus scrape endpoint on its own port.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(port int, path string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		logger: logger,
	}
}

// Start blocks serving scrapes until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("metrics server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
