// Package server exposes the orchestrator over HTTP: session CRUD and
// lifecycle, event replay and live streams, tool listing and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Flissel/Vibemind-sub000/pkg/catalog"
	"github.com/Flissel/Vibemind-sub000/pkg/runtime"
	"github.com/Flissel/Vibemind-sub000/pkg/session"
)

// Server is the orchestrator's HTTP API server.
type Server struct {
	manager *runtime.Manager
	logger  *slog.Logger
	echo    *echo.Echo
}

// New creates the API server around a session manager.
func New(manager *runtime.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		manager: manager,
		logger:  logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(logger))

	e.GET("/health", s.health)

	api := e.Group("/api")
	api.GET("/tools", s.listTools)
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/start", s.startSession)
	api.POST("/sessions/:id/stop", s.stopSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.GET("/sessions/:id/events", s.sessionEvents)
	api.GET("/sessions/:id/stream", s.streamSession)
	api.GET("/sessions/:id/output", s.sessionOutput)

	s.echo = e
	return s
}

// Listen opens the daemon listener. addr is either host:port or
// unix:///path/to/socket.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
		// A previous run may have left the socket file behind.
		_ = os.Remove(path)
		return lc.Listen(ctx, "unix", path)
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve runs the server on the given listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler: s.echo,
	}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger creates an Echo middleware that logs each handled request.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("Request handled",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	}
}

// httpError maps manager errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrUnknownTool):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBadTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
