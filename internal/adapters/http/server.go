package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/adapters/http/dto"
	"github.com/longregen/promptloop/internal/adapters/http/handlers"
	"github.com/longregen/promptloop/internal/adapters/http/middleware"
	"github.com/longregen/promptloop/internal/config"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// Dependencies are the services the API exposes.
type Dependencies struct {
	Runs        ports.RunService
	Broadcaster *handlers.RunBroadcaster
	IDGen       ports.IDGenerator
	Schema      models.Schema
	Strategies  dto.StrategiesResponse
	Version     string
	Checks      []handlers.Check
}

type Server struct {
	config     config.ServerConfig
	deps       Dependencies
	router     *chi.Mux
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = handlers.NewRunBroadcaster(logger)
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.CORS(s.config.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler(s.deps.Version, s.deps.Checks...)
	r.Get("/health", healthHandler.Handle)
	r.Get("/health/detailed", healthHandler.HandleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(s.config.APIKey))

		runsHandler := handlers.NewRunsHandler(s.deps.Runs, s.deps.Schema, s.deps.IDGen, s.deps.Strategies, s.logger)
		streamHandler := handlers.NewRunStreamHandler(s.deps.Runs, s.deps.Broadcaster, s.config.CORSOrigins, s.logger)

		r.Get("/strategies", runsHandler.Strategies)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runsHandler.List)
			r.Post("/", runsHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", runsHandler.Get)
				r.Get("/events", runsHandler.Events)
				r.Post("/cancel", runsHandler.Cancel)
				r.Get("/stream", streamHandler.Handle)
			})
		})
	})

	s.router = r
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // No write timeout for WebSocket streaming
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
