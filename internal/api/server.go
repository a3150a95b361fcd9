package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/scheduler"
	"github.com/mattjoyce/ticketd/internal/state"
)

// StateReader exposes the persisted poller state.
type StateReader interface {
	Snapshot() state.PollerState
	Describe() string
}

// CycleSource exposes the scheduler's view of the last poll cycle and lets
// callers request an early one.
type CycleSource interface {
	LastCycle() *scheduler.CycleReport
	Wake()
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token for every protected route. Empty rejects
	// all protected requests.
	APIKey       string
	MaxRetries   int
	HistoryLimit int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	state     StateReader
	cycles    CycleSource
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	pid       int

	webhookPath    string
	webhookHandler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithWebhook mounts an unauthenticated webhook handler at path.
func WithWebhook(path string, h http.Handler) Option {
	return func(s *Server) {
		s.webhookPath = path
		s.webhookHandler = h
	}
}

// New creates a new API server instance. cycles may be nil when no
// scheduler runs in this process.
func New(config Config, st StateReader, cycles CycleSource, hub *events.Hub, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		state:     st,
		cycles:    cycles,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		pid:       currentPID(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "webhook", s.webhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.webhookHandler != nil && s.webhookPath != "" {
		r.Method(http.MethodPost, s.webhookPath, s.webhookHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/poll", s.handlePoll)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
