// Package api serves the local HTTP interface of the alert relay: compose
// and history endpoints, settings, listening control and a WebSocket stream
// of relay events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"alertrelay/models"
	"alertrelay/relay"
	"alertrelay/storage"
)

const (
	// DefaultListenAddress keeps the API on the loopback interface.
	DefaultListenAddress = "127.0.0.1:8087"
	// DefaultComposeRequests is the compose allowance per client and window.
	DefaultComposeRequests = 10
	// DefaultComposeWindow is the compose rate window.
	DefaultComposeWindow = time.Minute

	maxBodyBytes      = 64 * 1024
	limiterTTL        = 10 * time.Minute
	limiterSweepEvery = time.Minute
	shutdownTimeout   = 5 * time.Second
)

// Relay is the orchestrator surface used by the handlers.
type Relay interface {
	SendMessage(ctx context.Context, draft relay.Draft) (models.Message, error)
	Resend(ctx context.Context, messageID string) (models.Message, error)
	StartListening(ctx context.Context) error
	StopListening()
	Snapshot(ctx context.Context) relay.Snapshot
}

// Store is the persistence surface used by the handlers.
type Store interface {
	GetMessage(messageID string) (models.Message, error)
	ListMessages(filter storage.MessageFilter) ([]models.Message, error)
	CountMessages(filter storage.MessageFilter) (int, error)
	MarkRead(messageID string) error
	DeleteMessage(messageID string) error
	GetSettings() (models.Settings, error)
	SaveSettings(settings models.Settings) error
	ClearAll() error
}

// Config tunes the server.
type Config struct {
	ListenAddress   string
	ComposeRequests int
	ComposeWindow   time.Duration
	Logger          *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg       Config
	relay     Relay
	store     Store
	hub       *Hub
	limiter   *clientLimiter
	sanitizer sanitizer
	logger    *slog.Logger
	router    chi.Router
}

// NewServer builds the router. hub may be nil, in which case the event
// stream endpoint is not mounted.
func NewServer(cfg Config, r Relay, store Store, hub *Hub) (*Server, error) {
	if r == nil {
		return nil, errors.New("relay is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.ComposeRequests <= 0 {
		cfg.ComposeRequests = DefaultComposeRequests
	}
	if cfg.ComposeWindow <= 0 {
		cfg.ComposeWindow = DefaultComposeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		relay:     r,
		store:     store,
		hub:       hub,
		limiter:   newClientLimiter(cfg.ComposeRequests, cfg.ComposeWindow, limiterTTL),
		sanitizer: newSanitizer(),
		logger:    cfg.Logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	router.Route("/api", func(api chi.Router) {
		api.Route("/messages", func(messages chi.Router) {
			messages.Get("/", s.handleListMessages)
			messages.With(s.limiter.middleware(s.logger)).Post("/", s.handleSendMessage)
			messages.Get("/{id}", s.handleGetMessage)
			messages.Delete("/{id}", s.handleDeleteMessage)
			messages.Post("/{id}/read", s.handleMarkRead)
			messages.With(s.limiter.middleware(s.logger)).Post("/{id}/resend", s.handleResend)
		})
		api.Get("/settings", s.handleGetSettings)
		api.Put("/settings", s.handleSaveSettings)
		api.Delete("/data", s.handleClearAll)
		api.Get("/status", s.handleStatus)
		api.Post("/listen", s.handleStartListening)
		api.Delete("/listen", s.handleStopListening)
		if s.hub != nil {
			api.Get("/events", s.handleEvents)
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Resource not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "Method not allowed", nil)
	})
	return router
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go s.limiter.cleanup(limiterCtx, limiterSweepEvery)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "address", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
