// Package web serves the OAuth, webhook and admin HTTP endpoints.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/logger"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// OAuthReturnURL receives ?provider=&status= after a callback. When empty
	// the callback answers with JSON.
	OAuthReturnURL string
	// VerifyToken must match hub.verify_token during the webhook handshake.
	VerifyToken  string
	AdminAPIKeys []string
	// MaxImportBytes caps admin import uploads.
	MaxImportBytes int64
}

// Server is the HTTP server.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	apiKeys  []string
}

// NewServer creates a new server. Dependencies left nil disable the routes
// that need them.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxImportBytes <= 0 {
		cfg.MaxImportBytes = DefaultMaxImportBytes
	}

	router := chi.NewRouter()

	s := &Server{
		router:   router,
		handlers: NewHandlers(cfg, deps),
		apiKeys:  cfg.AdminAPIKeys,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handlers.Health)

	// OAuth
	s.router.Get("/auth/{provider}/login", s.handlers.Login)
	s.router.Get("/auth/{provider}/callback", s.handlers.Callback)

	// Strava push subscription
	s.router.Get("/webhooks/strava", s.handlers.WebhookHandshake)
	s.router.Post("/webhooks/strava", s.handlers.WebhookEvent)

	s.router.Group(func(r chi.Router) {
		r.Use(requireAPIKey(s.apiKeys))
		r.Post("/admin/sync", s.handlers.Backfill)
		r.Post("/admin/import", s.handlers.Import)
		r.Get("/api/history", s.handlers.History)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
