package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/codepair/collab-engine/internal/session"
	"github.com/codepair/collab-engine/pkg/core"
)

// Server exposes session creation and lookup over REST. All state access
// goes through the session store; the handlers keep nothing of their own.
type Server struct {
	store  *session.Store
	logger *slog.Logger
}

// NewRouter builds the gin engine serving the REST API, the health probe and
// the websocket entrypoint.
func NewRouter(store *session.Store, wsHandler http.Handler, allowedOrigins []string, logger *slog.Logger) *gin.Engine {
	s := &Server{store: store, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(allowedOrigins))

	r.POST("/api/sessions", s.createSession)
	r.GET("/api/sessions/:id", s.getSession)
	r.DELETE("/api/sessions/:id", s.deleteSession)
	r.GET("/healthz", s.health)
	r.GET("/ws", gin.WrapH(wsHandler))

	return r
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func (s *Server) createSession(c *gin.Context) {
	id, err := s.store.Create()
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": id,
		"url":       fmt.Sprintf("%s://%s/session/%s", scheme, c.Request.Host, id),
	})
}

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		s.logger.Error("session lookup failed", "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// deleteSession force-removes a session. Participants that are still
// connected keep their sockets but all subsequent lookups fail.
func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(id); errors.Is(err, core.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	s.store.Delete(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.store.Len()})
}
