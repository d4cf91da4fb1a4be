package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/adapters/http"
	"github.com/longregen/promptloop/internal/adapters/http/dto"
	"github.com/longregen/promptloop/internal/adapters/http/handlers"
)

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the promptloop HTTP API server.

Runs are started with POST /api/v1/runs and execute in the background;
their events stream over GET /api/v1/runs/{id}/stream.

Optional configuration:
  - PostgreSQL run store (PROMPTLOOP_POSTGRES_URL), in memory otherwise
  - API key (PROMPTLOOP_API_KEY)
  - Audit file (PROMPTLOOP_AUDIT_FILE)
  - Experiment tracker (PROMPTLOOP_TRACKER_HOST, _PUBLIC_KEY, _SECRET_KEY)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP API server
func runServer(ctx context.Context) error {
	logger.Info("starting promptloop API server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("llm", cfg.LLM.URL),
		zap.String("model", cfg.LLM.Model),
	)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	checks := []handlers.Check{
		{Name: "llm", Probe: a.llm.Check},
	}
	if a.pool != nil {
		checks = append(checks, handlers.Check{Name: "database", Critical: true, Probe: a.pool.Ping})
	}

	server := http.NewServer(cfg.Server, http.Dependencies{
		Runs:        a.runs,
		Broadcaster: a.broadcaster,
		IDGen:       a.idGen,
		Schema:      a.schema,
		Strategies: dto.StrategiesResponse{
			Scorers:    a.strategies.Scorers.Names(),
			Mergers:    a.strategies.Mergers.Names(),
			Validators: a.strategies.Validators.Names(),
		},
		Version: version,
		Checks:  checks,
	}, logger.Named("http"))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("server stopped")
		return nil
	}
}
