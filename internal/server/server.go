// Package server exposes the registry and the session bridge over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shhac/grotto-bridge/internal/bridge"
	"github.com/shhac/grotto-bridge/internal/registry"
	"github.com/shhac/grotto-bridge/internal/tunnel"
)

const (
	DefaultMaxUploadBytes = 4 << 20
	readHeaderTimeout     = 10 * time.Second
)

// Config configures the HTTP surface.
type Config struct {
	Addr string
	// AllowedOrigins are matched against the Origin header. "*" allows any.
	AllowedOrigins []string
	MaxUploadBytes int64
	// DialTimeout bounds connections made for reflection requests.
	DialTimeout time.Duration
	Tunnel      tunnel.Options
}

// Server serves the HTTP API and the tunnel endpoint.
type Server struct {
	cfg      Config
	registry *registry.Registry
	sessions *bridge.Manager
	logger   *slog.Logger
	router   chi.Router
	http     *http.Server
}

// New wires the routes. Call ListenAndServe or use Handler directly.
func New(cfg Config, reg *registry.Registry, sessions *bridge.Manager, logger *slog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if len(cfg.Tunnel.OriginPatterns) == 0 {
		cfg.Tunnel.OriginPatterns = cfg.AllowedOrigins
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		sessions: sessions,
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(s.recoverMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.logMiddleware)

	router.Route("/api", func(r chi.Router) {
		r.Post("/upload/proto", s.handleUploadProto)
		r.Post("/reflect", s.handleReflect)
		r.Get("/listServices", s.handleListServices)
		r.Get("/services", s.handleServices)
		r.Get("/services/{service}/methods/{method}/schema", s.handleMethodSchema)
		r.Get("/sessions", s.handleSessions)
		r.Delete("/sessions/{sessionID}", s.handleCloseSession)
	})

	router.Get("/grpc/ws/stream", s.handleStream)
	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then stops accepting requests and
// waits for handlers, bounded by shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	// Hijacked websocket connections are not tracked by http.Server, so the
	// sessions are closed first.
	if err := s.sessions.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("sessions did not close in time", slog.Any("error", err))
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
