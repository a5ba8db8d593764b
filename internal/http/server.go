// Package http serves the session management API.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/pairing"
	"github.com/marcelmariani/crm-platform-sub000/internal/session"
)

// Sessions is the orchestration API the server exposes.
type Sessions interface {
	CreateSession(ctx context.Context, raw string) (session.CreateResult, error)
	DeleteSession(ctx context.Context, raw string) error
	DeleteAll(ctx context.Context) (int, error)
	GetStatus(ctx context.Context, raw string) (session.StatusReport, error)
	GetPairingArtifact(raw string) (*pairing.Artifact, error)
	Report() session.Counts
}

// Config holds HTTP server configuration.
type Config struct {
	Listen    string  // e.g. ":8080", "127.0.0.1:8080"
	TokenHash string  // bcrypt hash of the bearer token; empty disables auth
	RateLimit float64 // requests per second per client IP; 0 disables
	RateBurst int
}

// Server is the HTTP front of the session manager.
type Server struct {
	server     *http.Server
	sessions   Sessions
	auth       *tokenAuth
	limiter    *ipLimiter
	failures   *RateLimiter
	startedAt  time.Time
	wg         sync.WaitGroup
	listenAddr string
	addrMu     sync.RWMutex
}

// NewServer creates a server; call Start to listen.
func NewServer(cfg Config, sessions Sessions) (*Server, error) {
	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return nil, fmt.Errorf("http: invalid listen address %q: %w", listen, err)
	}

	s := &Server{
		sessions:  sessions,
		failures:  NewRateLimiter(10 * time.Second),
		startedAt: time.Now(),
	}
	if cfg.TokenHash != "" {
		s.auth = newTokenAuth(cfg.TokenHash)
	} else {
		L_warn("http: no tokenHash configured, API is unauthenticated")
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // CreateSession may wait for a pairing code
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// request id -> logging -> strip headers -> rate limit -> auth
	r.Use(requestID)
	r.Use(s.logRequest)
	r.Use(middleware.Recoverer)
	r.Use(stripHeaders)
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/metrics", s.handleMetrics)

		r.Post("/session", s.handleCreate)
		r.Delete("/session", s.handleDeleteAll)
		r.Delete("/session/{phoneNumber}", s.handleDelete)
		r.Get("/session/{phoneNumber}/status", s.handleStatus)
		r.Get("/session/{phoneNumber}/qr", s.handleQR)
	})

	return r
}

// Start listens in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", s.server.Addr, err)
	}
	s.addrMu.Lock()
	s.listenAddr = ln.Addr().String()
	s.addrMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())

		err := s.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.listenAddr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}
