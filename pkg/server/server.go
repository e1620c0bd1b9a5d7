// Package server implements the HTTP/WS listening surface spec §6
// describes: the JSON-RPC document routes, a WebSocket upgrade endpoint,
// and the admin/health/metrics surface. Grounded on
// stacklok-toolhive/pkg/api/server.go (chi router, routers-map-plus-Mount
// wiring, BaseContext/ReadHeaderTimeout shape) and
// cmd/thv-registry-api/app/serve.go (timeout-const block, signal-driven
// graceful shutdown).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doublegate/Only1MCP-sub003/pkg/handler"
	"github.com/doublegate/Only1MCP-sub003/pkg/logger"
	"github.com/doublegate/Only1MCP-sub003/pkg/registry"
)

// Timeouts mirror the teacher's cmd/thv-registry-api/app/serve.go constants,
// adjusted for a proxy that may itself wait on slower backends.
const (
	defaultGracefulTimeout = 30 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 35 * time.Second
	defaultIdleTimeout     = 60 * time.Second
)

// Config tunes the listening surface (spec §6).
type Config struct {
	ListenAddr      string
	Version         string
	RequestTimeout  time.Duration
	GracefulTimeout time.Duration

	// RateLimitRPS and RateLimitBurst tune the per-client-IP rate limiter
	// (golang.org/x/time/rate) applied ahead of every route this Server
	// mounts. RateLimitRPS <= 0 disables rate limiting entirely.
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
}

// Server owns the chi router and http.Server lifecycle.
type Server struct {
	cfg      Config
	h        *handler.Handler
	reg      *registry.Registry
	gatherer prometheus.Gatherer
	router   chi.Router
	httpSrv  *http.Server
}

// New builds a Server. gatherer feeds /api/v1/admin/metrics; it is
// typically the *prometheus.Registry backing a metrics.Registry.
func New(cfg Config, h *handler.Handler, reg *registry.Registry, gatherer prometheus.Gatherer) *Server {
	cfg.setDefaults()
	s := &Server{cfg: cfg, h: h, reg: reg, gatherer: gatherer}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(s.cfg.RequestTimeout),
	)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(rateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}

	routers := map[string]http.Handler{
		"/":         s.mcpRouter(),
		"/mcp":      s.mcpRouter(),
		"/tools/*":  s.mcpRouter(),
		"/resources/*": s.mcpRouter(),
		"/prompts/*":   s.mcpRouter(),
		"/ws":          s.wsRouter(),
		"/health":      s.healthRouter(),
		"/api/v1/admin": s.adminRouter(),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Run starts the HTTP server and blocks until ctx is canceled, then drains
// in-flight requests within GracefulTimeout (spec §6 graceful shutdown,
// SPEC_FULL.md's supplemented shutdown behavior).
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		ReadHeaderTimeout: defaultReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Get().Infow("server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Get().Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: graceful shutdown: %w", err)
	}
	<-errCh
	return nil
}

// Handler returns the root http.Handler, for tests that want
// httptest.NewServer without going through Run's lifecycle.
func (s *Server) Handler() http.Handler { return s.router }
