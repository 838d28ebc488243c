// Package http serves the bot's web surface: the chat platform webhooks, a
// status page and a JSON health endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/chsu"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler/jobs"
	"github.com/chsu-bot/schedule-notifier/internal/interface/http/handlers"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response. It must
	// exceed the webhook handle timeout.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// Version is reported by the status and health endpoints.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// CheckerStatusSource exposes the schedule change checker state.
type CheckerStatusSource interface {
	Status() jobs.CheckerStatus
}

// MailingStatusSource exposes the daily mailing state.
type MailingStatusSource interface {
	Enabled() bool
	LastRunStats() *jobs.DailyMailingStats
}

// ScheduleAPIStatusSource exposes the university API client state.
type ScheduleAPIStatusSource interface {
	Status() chsu.ClientStatus
}

// JobSource lists the jobs of one scheduler.
type JobSource interface {
	Jobs() []scheduler.JobInfo
}

// UserCounter counts registered users.
type UserCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Webhooks handles the chat platform callbacks.
	Webhooks *handlers.WebhookHandler

	// HealthChecker runs the named checks behind /health.
	HealthChecker handlers.HealthChecker

	// Status page sources; nil sources are omitted from the page.
	Checker     CheckerStatusSource
	Mailing     MailingStatusSource
	ScheduleAPI ScheduleAPIStatusSource
	Messengers  *messenger.Registry
	Jobs        []JobSource

	// Store is the active storage driver.
	StoreDriver string
	Store       handlers.Pinger
	Users       UserCounter

	// Clock renders the server time in the configured timezone.
	Clock *timeutil.Clock

	// Logger for structured logging.
	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *http.ServeMux
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.NewClock(timeutil.DefaultOffsetHours)
	}

	s := &Server{
		config:    config,
		deps:      deps,
		router:    http.NewServeMux(),
		logger:    deps.Logger.With("component", "http_server"),
		startedAt: deps.Clock.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.Handler(),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return handlers.Chain(s.router,
		handlers.RequestID(s.deps.Logger),
		handlers.Logging,
		handlers.Recovery,
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.router.HandleFunc("GET /{$}", s.handleStatus)
	s.router.HandleFunc("GET /health", s.handleHealth)

	// ─────────────────────────────────────────────────────────────────────────
	// Webhook Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	if s.deps.Webhooks != nil {
		s.router.HandleFunc("POST /telegram/callback", s.deps.Webhooks.Telegram)
		s.router.HandleFunc("POST /vk/callback/{confirmation}", s.deps.Webhooks.VK)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "address", s.config.Address())

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return s.deps.Clock.Now().Sub(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
