// Package api provides the read-only admin/debug HTTP API for the s2s
// connector: a thin Gin server exposing health, runtime statistics, and a
// live route-table introspection endpoint. It is disabled by default and,
// when enabled, binds to localhost unless explicitly reconfigured.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coldwire/s2s/internal/api/handlers"
	"github.com/coldwire/s2s/internal/api/middleware"
	"github.com/coldwire/s2s/internal/config"
)

// Server is the management HTTP server.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server from cfg's api.* section and snapshot, the
// accessor the core loop exposes for read-only introspection.
func New(cfg *config.Config, logger *slog.Logger, snapshot handlers.SnapshotFunc) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(logger, snapshot)
	RegisterRoutes(engine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Engine exposes the underlying gin.Engine, for tests that want to drive
// requests in-process via httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ListenAndServe blocks serving the admin API until it is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
