package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fundingbot/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. metrics, if non-nil, is mounted at
// /metrics.
func NewServer(cfg config.DashboardConfig, provider Provider, metrics http.Handler, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(metrics),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handlers.HandleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Get("/ws", s.handlers.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/snapshot", s.handlers.HandleSnapshot)
		r.Get("/policies", s.handlers.HandlePolicies)
		r.Get("/policies/{exchange}", s.handlers.HandlePolicy)
		r.Post("/policies/{exchange}/reset", s.handlers.HandleResetPolicy)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads events from the provider and broadcasts them
func (s *Server) consumeEvents(ctx context.Context) {
	eventsCh := s.provider.DashboardEvents()
	if eventsCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-eventsCh:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
