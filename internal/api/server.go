// Package api provides the control-plane HTTP API server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/shipmate-io/shipmate/internal/api/handlers"
	"github.com/shipmate-io/shipmate/internal/api/health"
	"github.com/shipmate-io/shipmate/internal/api/middleware"
	"github.com/shipmate-io/shipmate/internal/auth"
	"github.com/shipmate-io/shipmate/internal/queue"
	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/trigger"
	"github.com/shipmate-io/shipmate/pkg/config"
)

// Version is set at build time using ldflags.
var Version = "dev"

// Server is the control-plane HTTP API.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	queue      queue.Queue
	auth       *auth.Service
	secrets    *secrets.Service
	trigger    *trigger.Service
	config     *config.Config
	logger     *slog.Logger
	health     *health.Checker
}

// NewServer creates the API server with its dependencies.
func NewServer(cfg *config.Config, st store.Store, q queue.Queue, authSvc *auth.Service, secretsSvc *secrets.Service, pinger health.Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:   st,
		queue:   q,
		auth:    authSvc,
		secrets: secretsSvc,
		trigger: trigger.NewService(st, q, logger),
		config:  cfg,
		logger:  logger,
		health:  health.NewChecker(pinger, Version),
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.health.Handler())

	// Push webhooks authenticate with an HMAC signature, not a token.
	webhookHandler := handlers.NewWebhookHandler(s.store, s.trigger, s.logger)
	r.Post("/webhooks/{targetName}", webhookHandler.Receive)

	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.auth, s.config.APIKeyHeader, s.logger)
		r.Use(authMiddleware.Authenticate)

		r.Get("/auth/validate", func(w http.ResponseWriter, r *http.Request) {
			handlers.WriteJSON(w, http.StatusOK, map[string]string{
				"status":   "ok",
				"operator": middleware.GetOperator(r.Context()),
			})
		})

		targetHandler := handlers.NewTargetHandler(s.store, s.logger)
		runHandler := handlers.NewRunHandler(s.store, s.logger)
		secretHandler := handlers.NewSecretHandler(s.store, s.secrets, s.logger)
		logHandler := handlers.NewLogHandler(s.store, s.logger)

		r.Route("/targets", func(r chi.Router) {
			r.Post("/", targetHandler.Create)
			r.Get("/", targetHandler.List)
			r.Route("/{targetID}", func(r chi.Router) {
				r.Get("/", targetHandler.Get)
				r.Patch("/", targetHandler.Update)
				r.Delete("/", targetHandler.Delete)
				r.Get("/firewall", targetHandler.Firewall)
				r.Get("/runs", runHandler.List)
				r.Get("/logs", logHandler.List)

				r.Route("/secrets", func(r chi.Router) {
					r.Post("/", secretHandler.Set)
					r.Get("/", secretHandler.List)
					r.Delete("/{key}", secretHandler.Delete)
				})
			})
		})

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", runHandler.Get)
			r.Get("/logs", runHandler.Logs)
		})

		settingsHandler := handlers.NewSettingsHandler(s.store, s.logger)
		r.Route("/settings", func(r chi.Router) {
			r.Get("/", settingsHandler.Get)
			r.Patch("/", settingsHandler.Update)
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			// Shutdown was called directly; the listener exited with
			// ErrServerClosed and the goroutine closed the channel
			// without sending. That is a clean exit, not an error.
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router, used by tests.
func (s *Server) Router() chi.Router {
	return s.router
}
