// Package server assembles the agent HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iudanet/benchkeeper/internal/metrics"
	"github.com/iudanet/benchkeeper/internal/server/handlers"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
	"github.com/iudanet/benchkeeper/internal/server/middleware"
)

// ShutdownTimeout время на завершение активных запросов
const ShutdownTimeout = 5 * time.Second

// RouterConfig зависимости маршрутизатора
type RouterConfig struct {
	Logger  *slog.Logger
	API     *handlers.Handler
	Health  *handlers.HealthHandler
	Tokens  *jwt.Service
	Metrics *metrics.Metrics
	Limiter *middleware.RateLimiter // nil отключает ограничение записей
}

// NewRouter mounts the agent API under /api/v1
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RecoveryMiddleware(cfg.Logger))
	r.Use(middleware.LoggingWithSkip(cfg.Logger, []string{"/api/v1/health", "/metrics"}))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
		r.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", cfg.Health.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.Logger, cfg.Tokens))

			r.Get("/status", cfg.API.Status)
			r.Get("/status/stream", cfg.API.StatusStream)
			r.Get("/conflicts", cfg.API.Conflicts)
			r.Get("/assets", cfg.API.ListAssets)
			r.Get("/assets/{tag}", cfg.API.GetAsset)
			r.Get("/assets/{tag}/history", cfg.API.History)
			r.Get("/history", cfg.API.GlobalHistory)

			r.Group(func(r chi.Router) {
				if cfg.Limiter != nil {
					r.Use(cfg.Limiter.Middleware)
				}

				r.Post("/events", cfg.API.PostEvent)
				r.Delete("/events/{id}", cfg.API.DeleteEvent)
				r.Post("/assets", cfg.API.RegisterAsset)
				r.Post("/assets/{tag}/flag", cfg.API.Flag)
				r.Post("/assets/{tag}/unflag", cfg.API.Unflag)
				r.Post("/assets/{tag}/notes", cfg.API.Notes)
				r.Post("/assets/{tag}/deactivate", cfg.API.Deactivate)
				r.Put("/assets/{tag}/lease", cfg.API.UpdateLease)
				r.Post("/leases/import", cfg.API.ImportLeases)
				r.Post("/conflicts/{id}/resolve", cfg.API.ResolveConflict)
			})
		})
	})

	return r
}

// Server HTTP сервер агента
type Server struct {
	handler http.Handler
	logger  *slog.Logger
	addr    string
}

// New creates a server for the handler
func New(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Run listens on the configured address and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done. Request contexts are derived from
// ctx, so open status streams end on shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP API listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
