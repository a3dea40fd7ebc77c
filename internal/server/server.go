// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsgate/internal/gateway"
	"github.com/agleyzer/hlsgate/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Options configure the HTTP surface.
type Options struct {
	// ListenAddr is the address to listen on, e.g. ":3000"
	ListenAddr string

	// UpstreamOrigin is reported by the health endpoint
	UpstreamOrigin string

	// Version is reported by the health endpoint
	Version string

	// RateLimit limits proxy requests per client IP; zero disables limiting
	RateLimit int

	// RateWindow is the sliding window for RateLimit
	RateWindow time.Duration
}

// Server serves the proxy, health and metrics endpoints
type Server struct {
	gateway    *gateway.Gateway
	metrics    *metrics.Metrics
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server

	ready chan struct{}
	addr  net.Addr
}

// New creates a new HTTP server
func New(gw *gateway.Gateway, m *metrics.Metrics, opts Options, logger *slog.Logger) *Server {
	return &Server{
		gateway: gw,
		metrics: m,
		opts:    opts,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Handler builds the router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoverer)
	r.Use(requestID)
	r.Use(s.metrics.Middleware)
	r.Use(s.loggingMiddleware)

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(rateLimit(s.opts.RateLimit, s.opts.RateWindow))
		}
		r.Mount("/proxy", s.gateway.Routes())
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully. A listener failure is returned as soon as it happens.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddr, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"upstream": s.opts.UpstreamOrigin,
		"version":  s.opts.Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}
