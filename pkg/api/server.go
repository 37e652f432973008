// Package api exposes treeline over HTTP: REST endpoints for transcript
// ingestion, synchronous questions and dataset management, the Prometheus
// exposition endpoint, and the WebSocket carrying streamed searches.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/events"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/session"
)

// Server is the HTTP front door. It owns the router and listener; all
// search state lives behind the session orchestrator.
type Server struct {
	cfg      *config.Config
	orch     *session.Orchestrator
	connMgr  *events.ConnectionManager
	metrics  *observe.Metrics
	upgrader websocket.Upgrader

	router *gin.Engine
	http   *http.Server
}

// NewServer wires middleware and routes. Call Start to begin serving.
func NewServer(cfg *config.Config, orch *session.Orchestrator, connMgr *events.ConnectionManager, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		connMgr: connMgr,
		metrics: metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	metrics.RegisterWSConnections(connMgr.ActiveConnections)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe.GinMiddleware(metrics))
	r.Use(securityHeaders())

	r.GET("/healthz", s.healthHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/transcribe", s.transcribeHandler)
	r.POST("/ask", s.askHandler)
	r.POST("/load-dataset", s.loadDatasetHandler)
	r.GET("/dataset-info", s.datasetInfoHandler)
	r.GET("/ws", s.wsHandler)

	s.router = r
	s.http = &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: r,
	}
	return s
}

// Handler returns the HTTP handler, for tests that mount the API on an
// in-process listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Serve accepts connections on ln instead of the configured port. Tests use
// it to bind a random port.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, then closes WebSocket connections.
// Upgraded sockets are hijacked and outlive http.Server.Shutdown; closing
// them cancels their contexts, which stops any running searches.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.connMgr.CloseAll()
	return err
}
