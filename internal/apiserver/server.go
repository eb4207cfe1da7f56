// Package apiserver wires the route handlers, middleware and auxiliary
// endpoints into one http.Server managed as a lifecycle component.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corekeeper/ckcore/internal/api"
	"github.com/corekeeper/ckcore/internal/api/handlers"
	"github.com/corekeeper/ckcore/internal/logging"
)

// ReadyCheck reports whether the process can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config assembles the server.
type Config struct {
	Listen   string
	Handlers *handlers.Handlers
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// MCP serves /mcp; nil disables the endpoint.
	MCP http.Handler
	// Ready gates /ready; nil means always ready.
	Ready ReadyCheck
}

// Server is the HTTP front of the process.
type Server struct {
	cfg    Config
	log    *logging.Logger
	server *http.Server

	listenErr chan error
}

// New builds the server and registers all routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		log:       logging.GetLogger("apiserver"),
		listenErr: make(chan error, 1),
	}

	mux := http.NewServeMux()
	cfg.Handlers.Register(mux)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", cfg.MCP)
		mux.Handle("/mcp/", cfg.MCP)
	}

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.withRecovery(s.withLogging(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Bind failures surface immediately; later
// serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	s.log.Info("listening on %s", ln.Addr())
	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server: %v", err)
			s.listenErr <- err
		}
	}()
	return nil
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Name implements lifecycle.Component.
func (s *Server) Name() string { return "apiserver" }

// Err reports a fatal serve error, if any occurred.
func (s *Server) Err() <-chan error { return s.listenErr }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready", "reason": err.Error(),
			})
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades hijack the connection; wrapping the writer
		// would hide the Hijacker interface
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(started))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("panic serving %s %s: %v", r.Method, r.URL.Path, v)
				api.WriteError(w, api.NewAPIError(api.ErrorCodeInternalError,
					http.StatusInternalServerError, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
