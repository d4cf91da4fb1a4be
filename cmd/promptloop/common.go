package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/adapters/audit"
	"github.com/longregen/promptloop/internal/adapters/http/handlers"
	"github.com/longregen/promptloop/internal/adapters/id"
	"github.com/longregen/promptloop/internal/adapters/memory"
	"github.com/longregen/promptloop/internal/adapters/metrics"
	"github.com/longregen/promptloop/internal/adapters/postgres"
	"github.com/longregen/promptloop/internal/adapters/tracing"
	"github.com/longregen/promptloop/internal/adapters/tracker"
	"github.com/longregen/promptloop/internal/application/services"
	"github.com/longregen/promptloop/internal/config"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/llm"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared global variables
var (
	cfg     *config.Config
	logger  *zap.Logger
	verbose bool
)

var errNoDatabase = errors.New("run history requires PostgreSQL. Set PROMPTLOOP_POSTGRES_URL")

// newLogger builds the root logger. console format uses zap's development
// encoder, anything else JSON.
func newLogger(c config.LoggingConfig, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level := c.Level
	if debug {
		level = "debug"
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// initDB initializes a database connection pool and applies migrations when
// configured to.
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.PostgresURL == "" {
		return nil, errNoDatabase
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Force UTC timezone to prevent timezone-related issues with TIMESTAMP columns
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return pool, nil
}

// blockSchema returns the configured prompt block schema.
func blockSchema() (models.Schema, error) {
	schema := models.Schema(cfg.Strategies.Blocks)
	if len(schema) == 0 {
		schema = models.DefaultSchema()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

func runServiceConfig(schema models.Schema) services.RunServiceConfig {
	return services.RunServiceConfig{
		Optimizer: services.OptimizerConfig{
			MaxAttempts:       cfg.Optimizer.MaxAttempts,
			MaxIterations:     cfg.Optimizer.MaxIterations,
			RefineConcurrency: cfg.Optimizer.RefineConcurrency,
		},
		Evaluator: services.EvaluatorConfig{
			Concurrency:   cfg.Optimizer.EvalConcurrency,
			InvokeTimeout: cfg.Optimizer.InvokeTimeout(),
		},
		Defaults: ports.StrategySelection{
			Scorer:    cfg.Strategies.Scorer,
			Merger:    cfg.Strategies.Merger,
			Validator: cfg.Strategies.Validator,
		},
		Options: services.StrategyOptions{
			Schema:          schema,
			BatchSize:       cfg.Strategies.BatchSize,
			SampleSize:      cfg.Strategies.SampleSize,
			SampleThreshold: cfg.Strategies.SampleThreshold,
			Seed:            cfg.Strategies.Seed,
			NumericRelTol:   cfg.Strategies.NumericRelTol,
			NumericAbsTol:   cfg.Strategies.NumericAbsTol,
			FuzzyThreshold:  cfg.Strategies.FuzzyThreshold,
		},
	}
}

// app is everything a command needs to start optimization runs.
type app struct {
	runs        *services.RunService
	llm         *llm.Client
	pool        *pgxpool.Pool
	schema      models.Schema
	idGen       *id.Generator
	strategies  *services.Strategies
	broadcaster *handlers.RunBroadcaster

	closers []func(context.Context) error
}

// newApp wires the run service. Without a database URL runs live in memory
// for the life of the process.
func newApp(ctx context.Context) (*app, error) {
	schema, err := blockSchema()
	if err != nil {
		return nil, err
	}
	a := &app{
		schema:     schema,
		idGen:      id.New(),
		strategies: services.NewStrategies(),
	}

	var runRepo ports.RunRepository
	var eventRepo ports.EventRepository
	if cfg.Database.PostgresURL != "" {
		pool, err := initDB(ctx)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		runRepo = postgres.NewRunRepository(pool)
		eventRepo = postgres.NewEventRepository(pool)
		logger.Info("using PostgreSQL run store")
	} else {
		runRepo = memory.NewRunRepository()
		eventRepo = memory.NewEventRepository()
		logger.Debug("using in-memory run store")
	}

	a.llm = llm.NewClient(
		cfg.LLM.URL,
		cfg.LLM.APIKey,
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTemperature(float32(cfg.LLM.Temperature)),
		llm.WithTimeout(cfg.Optimizer.InvokeTimeout()),
		llm.WithRateLimit(cfg.LLM.RateLimit, cfg.LLM.Burst),
		llm.WithBreakerListener(metrics.ObserveBreaker),
		llm.WithLogger(logger.Named("llm")),
	)

	listeners := []any{metrics.NewListener()}
	var predictOpts []prompt.Option

	if cfg.Tracing.Enabled {
		var w io.Writer = os.Stderr
		if cfg.Tracing.File != "" {
			f, err := os.OpenFile(cfg.Tracing.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				a.Close(ctx)
				return nil, fmt.Errorf("failed to open trace file: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return f.Close() })
			w = f
		}
		shutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName, w)
		if err != nil {
			logger.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			// runs before the trace file closes
			a.closers = append([]func(context.Context) error{shutdown}, a.closers...)
			listeners = append(listeners, tracing.NewListener(nil))
			predictOpts = append(predictOpts, prompt.WithTracer(tracing.NewPredictTracer(nil)))
			logger.Info("OpenTelemetry tracing initialized")
		}
	}

	if cfg.Audit.File != "" {
		sink, err := audit.OpenFileSink(cfg.Audit.File, logger.Named("audit"))
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return sink.Close() })
		listeners = append(listeners, sink)
	}

	if cfg.Tracker.Enabled() {
		client := tracker.NewClient(cfg.Tracker.Host, cfg.Tracker.PublicKey, cfg.Tracker.SecretKey)
		listeners = append(listeners, tracker.NewListener(client, logger.Named("tracker"), cfg.Tracker.Tags...))
		logger.Info("reporting runs to experiment tracker", zap.String("host", cfg.Tracker.Host))
	}

	es := services.EarlyStopConfig{
		MaxConsecutiveRejections: cfg.EarlyStop.MaxConsecutiveRejections,
		TargetPassRate:           cfg.EarlyStop.TargetPassRate,
	}
	if es.Enabled() {
		listeners = append(listeners, services.NewEarlyStopper(es))
	}

	predictor := prompt.NewRefinerPredictor(prompt.NewLLMAdapter(a.llm), predictOpts...)
	refiner := services.NewRefiner(predictor, schema, logger.Named("refiner"))

	a.broadcaster = handlers.NewRunBroadcaster(logger.Named("stream"))
	a.runs = services.NewRunService(
		runRepo,
		eventRepo,
		a.idGen,
		a.llm,
		refiner,
		a.strategies,
		runServiceConfig(schema),
		logger.Named("runs"),
	).WithListeners(listeners...).WithBroadcaster(a.broadcaster)

	return a, nil
}

// Close releases everything newApp opened, in order.
func (a *app) Close(ctx context.Context) {
	for _, closeFn := range a.closers {
		if err := closeFn(ctx); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// historyService opens a run service over the database for read-only
// commands.
func historyService(ctx context.Context) (*services.RunService, func(), error) {
	pool, err := initDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := services.NewRunService(
		postgres.NewRunRepository(pool),
		postgres.NewEventRepository(pool),
		id.New(),
		nil,
		nil,
		nil,
		services.DefaultRunServiceConfig(),
		logger.Named("runs"),
	)
	return svc, pool.Close, nil
}
