// Package server exposes the HTTP surface: activity and meal ingestion,
// subject management, the scheduler tick endpoint, and health checks.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"eldercare-notifier/pkg/guardian"
)

// Registry manages monitored subjects.
type Registry interface {
	Subject(ctx context.Context, familyID string) (*guardian.Subject, error)
	Register(ctx context.Context, subject *guardian.Subject) error
	UpdateSettings(ctx context.Context, familyID string, settings guardian.Settings) error
	SetApproval(ctx context.Context, familyID string, approved bool) error
	RecordMeal(ctx context.Context, familyID string, mealNumber int, at time.Time) error
	Remove(ctx context.Context, familyID string) error
}

// Batcher ingests raw activity signals.
type Batcher interface {
	RecordActivity(ctx context.Context, familyID string, observedAt time.Time) error
}

// Evaluator runs the threshold sweep.
type Evaluator interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	registry  Registry
	batcher   Batcher
	evaluator Evaluator
	logger    *slog.Logger
	cors      []string
}

// Config holds server construction parameters.
type Config struct {
	Registry         Registry
	Batcher          Batcher
	Evaluator        Evaluator
	Logger           *slog.Logger
	CORSAllowOrigins []string
}

// New creates an HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		registry:  cfg.Registry,
		batcher:   cfg.Batcher,
		evaluator: cfg.Evaluator,
		logger:    cfg.Logger,
		cors:      cfg.CORSAllowOrigins,
	}
}

// Handler builds the router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	c := corslib.New(corslib.Options{
		AllowedOrigins: s.cors,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	r.Use(c.Handler)

	// Activity ingestion is chatty (every phone unlock); everything else is
	// low volume. One IP bucket covers both comfortably.
	r.Use(rateLimit(120, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Post("/tickz", s.handleTick)

	r.Post("/activity", s.handleActivity)
	r.Post("/meals", s.handleMeal)

	r.Route("/subjects", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/{familyID}", s.handleGetSubject)
		r.Patch("/{familyID}/settings", s.handleUpdateSettings)
		r.Post("/{familyID}/approval", s.handleApproval)
		r.Delete("/{familyID}", s.handleRemove)
	})

	return r
}

// ListenAndServe starts the HTTP server with bounded timeouts.
func (s *Server) ListenAndServe(port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting HTTP server", "port", port)
	return srv.ListenAndServe()
}
