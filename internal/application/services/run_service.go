package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// RunServiceConfig holds what every run started by the service shares.
type RunServiceConfig struct {
	Optimizer OptimizerConfig
	Evaluator EvaluatorConfig
	Defaults  ports.StrategySelection
	Options   StrategyOptions

	// RetainFinished is how many finished runs stay available to Wait when
	// nobody has waited on them yet.
	RetainFinished int
}

const defaultRetainFinished = 64

// DefaultRunServiceConfig returns sensible defaults
func DefaultRunServiceConfig() RunServiceConfig {
	return RunServiceConfig{
		Optimizer: DefaultOptimizerConfig(),
		Evaluator: DefaultEvaluatorConfig(),
		Defaults:  DefaultSelection(),
		Options:   DefaultStrategyOptions(),

		RetainFinished: defaultRetainFinished,
	}
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *models.RunResult
	err    error
}

func (a *activeRun) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// RunService creates, executes and tracks optimization runs.
type RunService struct {
	runRepo     ports.RunRepository
	eventRepo   ports.EventRepository
	idGenerator ports.IDGenerator
	invoker     ports.ModelInvoker
	refiner     ports.Refiner
	strategies  *Strategies
	config      RunServiceConfig
	logger      *zap.Logger

	listeners []any
	publisher *EventPublisher

	// runs started by this process; finished ones are dropped on Wait or
	// once more than config.RetainFinished have piled up
	mu       sync.Mutex
	active   map[string]*activeRun
	finished []string
}

var _ ports.RunService = (*RunService)(nil)

func NewRunService(
	runRepo ports.RunRepository,
	eventRepo ports.EventRepository,
	idGenerator ports.IDGenerator,
	invoker ports.ModelInvoker,
	refiner ports.Refiner,
	strategies *Strategies,
	config RunServiceConfig,
	logger *zap.Logger,
) *RunService {
	if strategies == nil {
		strategies = NewStrategies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetainFinished <= 0 {
		config.RetainFinished = defaultRetainFinished
	}
	return &RunService{
		runRepo:     runRepo,
		eventRepo:   eventRepo,
		idGenerator: idGenerator,
		invoker:     invoker,
		refiner:     refiner,
		strategies:  strategies,
		config:      config,
		logger:      logger,
		publisher:   NewEventPublisher(nil),
		active:      make(map[string]*activeRun),
	}
}

// WithListeners attaches listeners to every run the service starts.
func (s *RunService) WithListeners(listeners ...any) *RunService {
	s.listeners = append(s.listeners, listeners...)
	return s
}

// WithBroadcaster sets the live broadcaster for run events
func (s *RunService) WithBroadcaster(broadcaster ports.EventBroadcaster) *RunService {
	s.publisher = NewEventPublisher(broadcaster)
	return s
}

// Publisher returns the in-process event publisher.
func (s *RunService) Publisher() *EventPublisher {
	return s.publisher
}

// Start creates a run and executes it in the background. The run outlives
// ctx; use Cancel to stop it.
func (s *RunService) Start(ctx context.Context, req ports.RunRequest) (*models.OptimizationRun, error) {
	optimizer, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	run, err := s.createRun(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	snapshot := *run
	go s.execute(runCtx, optimizer, run, req, ar)
	return &snapshot, nil
}

// Execute runs to completion on the calling goroutine.
func (s *RunService) Execute(ctx context.Context, req ports.RunRequest) (*models.RunResult, error) {
	optimizer, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	run, err := s.createRun(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	s.execute(runCtx, optimizer, run, req, ar)
	s.forget(run.ID)
	return ar.result, ar.err
}

func (s *RunService) prepare(req ports.RunRequest) (*Optimizer, error) {
	if len(req.Prompt.Blocks) == 0 {
		return nil, domain.NewDomainError(domain.ErrInvalidPrompt, "prompt has no blocks")
	}
	if len(req.TrainSet) == 0 {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "training set is empty")
	}
	if err := ValidateExamples(req.TrainSet, "training"); err != nil {
		return nil, err
	}
	if err := ValidateExamples(req.ValidationSet, "validation"); err != nil {
		return nil, err
	}

	sel := WithDefaults(req.Strategies, s.config.Defaults)
	resolved, err := s.strategies.Resolve(sel, s.config.Options)
	if err != nil {
		return nil, err
	}

	evaluator := NewEvaluator(s.invoker, resolved.Scorer, s.config.Evaluator, s.logger)
	return NewOptimizer(
		evaluator,
		s.refiner,
		resolved.Merger,
		resolved.Validator,
		s.idGenerator,
		s.config.Optimizer,
		s.logger,
	), nil
}

func (s *RunService) createRun(ctx context.Context, req ports.RunRequest) (*models.OptimizationRun, error) {
	sel := WithDefaults(req.Strategies, s.config.Defaults)
	config := map[string]any{
		"scorer":         sel.Scorer,
		"merger":         sel.Merger,
		"validator":      sel.Validator,
		"max_attempts":   s.config.Optimizer.MaxAttempts,
		"max_iterations": s.config.Optimizer.MaxIterations,
		"train_size":     len(req.TrainSet),
		"val_size":       len(req.ValidationSet),
	}
	for k, v := range req.Config {
		config[k] = v
	}

	run := models.NewOptimizationRun(s.idGenerator.GenerateRunID(), req.Prompt, config)
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, domain.NewDomainError(err, "failed to create optimization run")
	}
	return run, nil
}

func (s *RunService) execute(ctx context.Context, optimizer *Optimizer, run *models.OptimizationRun, req ports.RunRequest, ar *activeRun) {
	defer func() {
		ar.cancel()
		close(ar.done)
		s.retire(run.ID)
	}()

	defer func() {
		if r := recover(); r != nil {
			ar.err = fmt.Errorf("optimization panicked: %v", r)
			s.logger.Error("optimization panicked", zap.String("run_id", run.ID), zap.Any("panic", r))
			s.markFailed(ctx, run, ar.err)
		}
	}()

	listeners := make([]any, 0, len(s.listeners)+2)
	listeners = append(listeners, s.listeners...)
	if s.eventRepo != nil {
		listeners = append(listeners, NewAuditRecorder(s.eventRepo))
	}
	listeners = append(listeners, s.publisher)

	result, err := optimizer.Run(ctx, RunInput{
		RunID:         run.ID,
		Prompt:        req.Prompt,
		TrainSet:      req.TrainSet,
		ValidationSet: req.ValidationSet,
		Listeners:     listeners,
	})
	ar.result, ar.err = result, err

	if err != nil && result == nil {
		s.markFailed(ctx, run, err)
		return
	}
	run.Finish(result)
	if err != nil {
		run.Error = err.Error()
	}
	if uerr := s.runRepo.Update(context.WithoutCancel(ctx), run); uerr != nil {
		s.logger.Error("failed to persist run result", zap.String("run_id", run.ID), zap.Error(uerr))
	}
}

func (s *RunService) markFailed(ctx context.Context, run *models.OptimizationRun, err error) {
	run.MarkFailed(err)
	if uerr := s.runRepo.Update(context.WithoutCancel(ctx), run); uerr != nil {
		s.logger.Error("failed to mark run as failed", zap.String("run_id", run.ID), zap.Error(uerr))
	}
}

// Cancel stops an active run. The run finishes with status cancelled.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	if err := ValidateRunIDFormat(runID); err != nil {
		return err
	}
	if ar, ok := s.lookup(runID); ok && !ar.finished() {
		ar.cancel()
		return nil
	}

	if _, err := s.Get(ctx, runID); err != nil {
		return err
	}
	return domain.NewDomainError(domain.ErrRunNotActive, runID)
}

// Wait blocks until a run started by this service finishes and returns its
// result. The result is handed out once; later calls fail with
// ErrRunNotActive.
func (s *RunService) Wait(ctx context.Context, runID string) (*models.RunResult, error) {
	ar, ok := s.lookup(runID)
	if !ok {
		return nil, domain.NewDomainError(domain.ErrRunNotActive, runID)
	}
	select {
	case <-ar.done:
		s.forget(runID)
		return ar.result, ar.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retire queues a finished run for eviction, dropping the oldest ones past
// the retention limit.
func (s *RunService) retire(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, runID)
	for len(s.finished) > s.config.RetainFinished {
		delete(s.active, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *RunService) forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}

func (s *RunService) lookup(runID string) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.active[runID]
	return ar, ok
}

// Get retrieves a run record by ID
func (s *RunService) Get(ctx context.Context, runID string) (*models.OptimizationRun, error) {
	if err := ValidateRunIDFormat(runID); err != nil {
		return nil, err
	}
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrRunNotFound, runID)
		}
		return nil, domain.NewDomainError(err, "failed to get optimization run")
	}
	return run, nil
}

// List returns runs, optionally filtered by status
func (s *RunService) List(ctx context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	runs, err := s.runRepo.List(ctx, status, limit, offset)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list optimization runs")
	}
	return runs, nil
}

// Events returns a run's persisted audit trail.
func (s *RunService) Events(ctx context.Context, runID string, limit, offset int) ([]models.Event, error) {
	if err := ValidateRunIDFormat(runID); err != nil {
		return nil, err
	}
	if s.eventRepo == nil {
		return nil, domain.NewDomainError(domain.ErrNotFound, "no event store configured")
	}
	if limit <= 0 {
		limit = 500
	}
	events, err := s.eventRepo.ListByRun(ctx, runID, limit, offset)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list run events")
	}
	return events, nil
}
