// Package server exposes the streaming endpoint and the operational API over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/metrics"
	"github.com/arcadecast/arcadecast/internal/session"
	"github.com/arcadecast/arcadecast/internal/transport"
	"github.com/arcadecast/arcadecast/internal/util"
	"github.com/arcadecast/arcadecast/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Options configures the HTTP side of the server.
type Options struct {
	Addr string
	// ProxyProtocol accepts PROXY v1/v2 headers so sessions see the client
	// address behind a load balancer.
	ProxyProtocol bool
	Transport     transport.Options
}

// Sessions is the view of the session manager the server needs.
type Sessions interface {
	transport.Handler
	List() []session.Info
	Count() int
	Shutdown(ctx context.Context) error
}

// Server is the arcadecast HTTP server.
type Server struct {
	opts     Options
	sessions Sessions
	programs []string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	httpServer *http.Server

	mu        sync.RWMutex
	listener  net.Listener
	running   bool
	startTime time.Time
}

// New creates a server. programs is the list reported by /api/programs.
func New(opts Options, sessions Sessions, programs []string, m *metrics.Metrics) *Server {
	s := &Server{
		opts:     opts,
		sessions: sessions,
		programs: programs,
		metrics:  m,
		logger:   util.GetLogger().With("component", "server"),
	}
	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// no read/write timeouts on streaming connections
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          util.NewStdLogger("http"),
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	stream := transport.NewServer(s.sessions, s.opts.Transport)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/", stream.ServeHTTP)
	r.Get("/stream", stream.ServeHTTP)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleSessions)
		r.Get("/programs", s.handlePrograms)
	})
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// Listen binds the configured address. It is split from Serve so callers
// can learn the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	if s.opts.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("server is not listening")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("Server listening", "addr", ln.Addr().String(), "proxy_protocol", s.opts.ProxyProtocol)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes every session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Warn("Sessions did not stop in time", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		// force close if graceful shutdown fails
		if err := s.httpServer.Close(); err != nil {
			return errors.Wrap(err, "close http server")
		}
	}

	s.logger.Info("Server stopped")
	return nil
}

// IsRunning reports whether Serve is active.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the time since Serve started.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "arcadecast"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"running":  s.IsRunning(),
		"uptime":   s.Uptime().Truncate(time.Second).String(),
		"sessions": s.sessions.Count(),
		"build":    version.Info(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	programs := s.programs
	if programs == nil {
		programs = []string{}
	}
	respondJSON(w, http.StatusOK, programs)
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.Hijacker interface is not supported")
	}
	if lw.status == 0 {
		lw.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", lw.status,
			"bytes", lw.length, "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}
