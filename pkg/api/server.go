// Package api is the HTTP control plane over the session manager: start,
// stop, inspect and resolve sessions, plus health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cartavis/sessiond/pkg/spawner"
)

// SessionManager is the session lifecycle surface the server exposes.
// *spawner.Spawner satisfies it.
type SessionManager interface {
	Start(ctx context.Context, id spawner.Identity, opts spawner.StartOptions) (*spawner.SpawnResult, error)
	Stop(ctx context.Context, id spawner.Identity) error
	Status(ctx context.Context, id spawner.Identity) (*spawner.Status, error)
	Logs(id spawner.Identity, n int) ([]string, error)
	GetProxyTarget(id spawner.Identity) (*spawner.ProxyTarget, error)
}

// Server is the control-plane HTTP server.
type Server struct {
	config      *Config
	sessions    SessionManager
	rateLimiter *rate.Limiter
	logger      *slog.Logger
	httpServer  *http.Server

	mu    sync.RWMutex
	ready bool
}

// NewServer builds the server around a session manager.
func NewServer(config *Config, sessions SessionManager, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      config,
		sessions:    sessions,
		rateLimiter: rate.NewLimiter(config.RateLimit, config.RateLimitBurst),
		logger:      logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Address, config.Port),
		Handler:      s.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// routes wires up every endpoint. System endpoints skip the middleware
// chain so health checks are never rate limited.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	for pattern, handler := range map[string]http.HandlerFunc{
		"POST /api/v1/sessions/{user}":       s.handleStart,
		"DELETE /api/v1/sessions/{user}":     s.handleStop,
		"GET /api/v1/sessions/{user}/status": s.handleStatus,
		"GET /api/v1/sessions/{user}/logs":   s.handleLogs,
		"GET /api/v1/sessions/{user}/target": s.handleTarget,
	} {
		mux.HandleFunc(pattern, s.withMiddleware(pattern, handler))
	}

	return mux
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Start serves until the context is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.SetReady(true)
	s.logger.Info("control plane listening", "addr", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("control plane shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}
