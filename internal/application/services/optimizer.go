package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// OptimizerConfig bounds a single optimization run.
type OptimizerConfig struct {
	// MaxAttempts is the per-example retry budget (k_max)
	MaxAttempts int

	// MaxIterations caps refine attempts across the run; zero means
	// len(train) * MaxAttempts
	MaxIterations int

	// RefineConcurrency is how many refiner calls may be in flight at once
	RefineConcurrency int
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxAttempts:       5,
		RefineConcurrency: 1,
	}
}

// Optimizer drives the Evaluate, Refine, Merge, Validate loop.
type Optimizer struct {
	evaluator   ports.Evaluator
	refiner     ports.Refiner
	merger      ports.Merger
	validator   ports.Validator
	idGenerator ports.IDGenerator
	config      OptimizerConfig
	logger      *zap.Logger
}

func NewOptimizer(
	evaluator ports.Evaluator,
	refiner ports.Refiner,
	merger ports.Merger,
	validator ports.Validator,
	idGenerator ports.IDGenerator,
	config OptimizerConfig,
	logger *zap.Logger,
) *Optimizer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultOptimizerConfig().MaxAttempts
	}
	if config.RefineConcurrency <= 0 {
		config.RefineConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		evaluator:   evaluator,
		refiner:     refiner,
		merger:      merger,
		validator:   validator,
		idGenerator: idGenerator,
		config:      config,
		logger:      logger,
	}
}

// RunInput is one optimization run.
type RunInput struct {
	RunID         string
	Prompt        models.Prompt
	TrainSet      []models.LabeledExample
	ValidationSet []models.LabeledExample

	// Listeners may implement any of the ports hook interfaces
	Listeners []any
}

// Run optimizes in.Prompt until every training example passes, every
// remaining one is out of budget, the iteration cap is hit, a listener asks
// to stop or ctx is cancelled. Cancelled and stopped runs return a partial
// result and a nil error.
func (o *Optimizer) Run(ctx context.Context, in RunInput) (*models.RunResult, error) {
	if err := o.validateInput(in); err != nil {
		return nil, err
	}

	r := o.newRun(in)
	r.logger.Info("optimization run started",
		zap.Int("train", len(in.TrainSet)),
		zap.Int("validation", len(in.ValidationSet)),
		zap.Int("max_attempts", o.config.MaxAttempts),
		zap.Int("max_iterations", r.maxIterations),
		zap.String("validator", o.validator.Name()))

	r.emit(ctx, models.Event{
		Type:   models.EventRunStarted,
		Prompt: r.state.Current.Serialize(),
		Status: models.RunStatusRunning,
	})

	status, err := r.loop(ctx)
	return r.finish(ctx, status, err)
}

func (o *Optimizer) validateInput(in RunInput) error {
	if len(in.TrainSet) == 0 {
		return domain.NewDomainError(domain.ErrInvalidInput, "training set is empty")
	}
	if len(in.Prompt.Blocks) == 0 {
		return domain.NewDomainError(domain.ErrInvalidPrompt, "prompt has no blocks")
	}
	if err := ValidateExamples(in.TrainSet, "training"); err != nil {
		return err
	}
	if err := ValidateExamples(in.ValidationSet, "validation"); err != nil {
		return err
	}
	return ValidateSharedIDs(in.TrainSet, in.ValidationSet)
}

// run is the mutable state of one Run call. Everything except the refiner
// goroutines executes on the calling goroutine.
type run struct {
	o      *Optimizer
	id     string
	logger *zap.Logger

	train      []models.LabeledExample
	validation []models.LabeledExample

	state         *models.OptimizationState
	history       *models.History
	events        *dispatcher
	maxIterations int
	commits       int
	started       time.Time

	// commitMu serializes merge, validate and commit
	commitMu sync.Mutex

	cacheMu      sync.Mutex
	cacheVersion int
	cache        map[string]models.EvaluationResult

	trailMu sync.Mutex
	trail   []models.Event
}

func (o *Optimizer) newRun(in RunInput) *run {
	initial := in.Prompt.Clone()
	if initial.Version <= 0 {
		initial.Version = 1
	}
	maxIter := o.config.MaxIterations
	if maxIter <= 0 {
		maxIter = len(in.TrainSet) * o.config.MaxAttempts
	}
	logger := o.logger.With(zap.String("run_id", in.RunID))
	return &run{
		o:             o,
		id:            in.RunID,
		logger:        logger,
		train:         in.TrainSet,
		validation:    in.ValidationSet,
		state:         models.NewOptimizationState(initial, in.TrainSet),
		history:       models.NewHistory(),
		events:        newDispatcher(in.Listeners, logger),
		maxIterations: maxIter,
		started:       time.Now().UTC(),
		cache:         make(map[string]models.EvaluationResult),
	}
}

func (r *run) loop(ctx context.Context) (models.RunStatus, error) {
	evaluated := 0
	for {
		if ctx.Err() != nil {
			return models.RunStatusCancelled, nil
		}

		if v := r.state.Current.Version; v != evaluated {
			r.transition(models.PhaseEvaluating)
			results, err := r.baseline(ctx, r.train)
			r.state.ApplyEvaluation(results)
			if err != nil {
				if ctx.Err() != nil {
					return models.RunStatusCancelled, nil
				}
				return models.RunStatusFailed, fmt.Errorf("evaluate training set: %w", err)
			}
			evaluated = v
			summary := models.Summarize(results)
			r.logger.Info("training set evaluated",
				zap.Int("version", v),
				zap.Int("passed", summary.Passed),
				zap.Int("total", summary.Total))
			r.emit(ctx, models.Event{Type: models.EventEvaluationCompleted, Summary: &summary})
		}

		failing := r.state.Failing()
		if len(failing) == 0 {
			return models.RunStatusCompleted, nil
		}
		if r.events.stopRequested() {
			return models.RunStatusStopped, nil
		}
		if r.state.Iterations >= r.maxIterations {
			return models.RunStatusIterationCap, nil
		}

		r.transition(models.PhaseRefining)
		r.round(ctx, failing)

		if r.events.stopRequested() {
			return models.RunStatusStopped, nil
		}
	}
}

// proposal is a refiner answer for one example, computed against base.
type proposal struct {
	example *models.ExampleState
	base    models.Prompt
	patch   *models.PromptPatch
	err     error
}

// round refines a selection of failing examples and processes the proposals
// in the order they complete.
func (r *run) round(ctx context.Context, failing []*models.ExampleState) {
	selected, batched := r.selectRound(failing)
	proposals := r.refineAll(ctx, selected)
	if batched {
		r.processBatch(ctx, proposals)
		return
	}
	r.processEach(ctx, proposals)
}

// selectRound retries examples from rejected batches alone before forming
// new batches.
func (r *run) selectRound(failing []*models.ExampleState) ([]*models.ExampleState, bool) {
	remaining := r.maxIterations - r.state.Iterations
	concurrency := r.o.config.RefineConcurrency

	var individual []*models.ExampleState
	for _, es := range failing {
		if es.Individual {
			individual = append(individual, es)
		}
	}
	if len(individual) > 0 {
		return individual[:min(concurrency, len(individual), remaining)], false
	}

	if bv, ok := r.o.validator.(ports.BatchValidator); ok && bv.BatchSize() > 1 {
		n := min(bv.BatchSize(), len(failing), remaining)
		return failing[:n], n > 1
	}
	return failing[:min(concurrency, len(failing), remaining)], false
}

func (r *run) refineAll(ctx context.Context, selected []*models.ExampleState) <-chan proposal {
	base := r.state.Current.Clone()

	// requests are built here so refiner goroutines never touch example state
	reqs := make([]ports.RefineRequest, len(selected))
	for i, es := range selected {
		req := ports.RefineRequest{
			Prompt:  base,
			Example: es.Example,
			History: r.history.For(es.Example.ID),
		}
		if es.LastResult != nil {
			req.Prediction = es.LastResult.Prediction
			req.Failure = es.LastResult.Failure
		}
		reqs[i] = req
	}

	out := make(chan proposal, len(selected))
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(r.o.config.RefineConcurrency)
		for i := range reqs {
			g.Go(func() error {
				patch, err := r.o.refiner.Propose(ctx, reqs[i])
				out <- proposal{example: selected[i], base: base, patch: patch, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

func (r *run) processEach(ctx context.Context, proposals <-chan proposal) {
	halted := false
	for p := range proposals {
		if halted {
			continue
		}
		r.processOne(ctx, p)
		halted = ctx.Err() != nil || r.events.stopRequested()
	}
}

func (r *run) processOne(ctx context.Context, p proposal) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	r.refineFailed(&p)
	es := p.example
	if es.Status != models.ExampleFailing {
		return
	}

	if p.base.Version != r.state.Current.Version {
		resolved, err := r.recheck(ctx, es)
		if err != nil {
			return
		}
		if resolved {
			r.logger.Debug("stale proposal dropped, example passes under current prompt",
				zap.String("example_id", es.Example.ID),
				zap.Int("base_version", p.base.Version),
				zap.Int("version", r.state.Current.Version))
			r.transition(models.PhaseBudgetCheck)
			return
		}
	}

	rec := r.beginAttempt(ctx, es, p.patch)
	if p.patch == nil {
		rec.Outcome = models.AttemptNoPatch
		rec.Reason = "refiner produced no patch"
		r.history.Append(rec)
		r.transition(models.PhaseBudgetCheck)
		r.budgetCheck(ctx, es)
		return
	}

	r.transition(models.PhaseMerging)
	candidate, err := r.o.merger.Merge(r.state.Current, *p.patch)
	if err != nil {
		r.mergeFailed(ctx, &rec, es, p.patch, err)
		r.transition(models.PhaseBudgetCheck)
		r.budgetCheck(ctx, es)
		return
	}
	r.emit(ctx, models.Event{
		Type:      models.EventMergeApplied,
		ExampleID: es.Example.ID,
		Attempt:   es.Attempts,
		Patch:     p.patch,
		Prompt:    candidate.Serialize(),
	})

	r.transition(models.PhaseValidating)
	verdict, err := r.validate(ctx, candidate, []models.LabeledExample{es.Example})
	if err != nil {
		rec.Outcome = models.AttemptCancelled
		rec.Reason = err.Error()
		r.history.Append(rec)
		return
	}

	if !verdict.Accepted {
		r.rejected(ctx, verdict, es.Example.ID, nil)
		rec.Outcome = models.AttemptRejected
		rec.Reason = verdict.Reason
		r.history.Append(rec)
		r.transition(models.PhaseBudgetCheck)
		r.budgetCheck(ctx, es)
		return
	}

	r.emit(ctx, models.Event{
		Type:       models.EventValidationAccepted,
		ExampleID:  es.Example.ID,
		Attempt:    es.Attempts,
		Patch:      p.patch,
		Validation: &verdict,
	})
	r.transition(models.PhaseCommitting)
	r.commit(ctx, candidate, verdict, es.Example.ID, nil)
	rec.Outcome = models.AttemptAccepted
	r.history.Append(rec)

	_, _ = r.recheck(ctx, es)
	r.transition(models.PhaseBudgetCheck)
	r.budgetCheck(ctx, es)
}

// processBatch merges every proposal of a round onto one candidate and
// validates it once. The verdict applies to all merged patches.
func (r *run) processBatch(ctx context.Context, proposals <-chan proposal) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	type member struct {
		es    *models.ExampleState
		patch *models.PromptPatch
		rec   models.AttemptRecord
	}

	candidate := r.state.Current.Clone()
	var members []member
	var touched []*models.ExampleState

	for p := range proposals {
		if ctx.Err() != nil || p.example.Status != models.ExampleFailing {
			continue
		}
		r.refineFailed(&p)
		es := p.example
		touched = append(touched, es)

		rec := r.beginAttempt(ctx, es, p.patch)
		if p.patch == nil {
			rec.Outcome = models.AttemptNoPatch
			rec.Reason = "refiner produced no patch"
			r.history.Append(rec)
			continue
		}

		r.transition(models.PhaseMerging)
		next, err := r.o.merger.Merge(candidate, *p.patch)
		if err != nil {
			r.mergeFailed(ctx, &rec, es, p.patch, err)
			continue
		}
		candidate = next
		members = append(members, member{es: es, patch: p.patch, rec: rec})
		r.emit(ctx, models.Event{
			Type:      models.EventMergeApplied,
			ExampleID: es.Example.ID,
			Attempt:   es.Attempts,
			Patch:     p.patch,
			Prompt:    candidate.Serialize(),
		})
	}

	if ctx.Err() != nil || len(members) == 0 {
		r.transition(models.PhaseBudgetCheck)
		if ctx.Err() == nil {
			for _, es := range touched {
				r.budgetCheck(ctx, es)
			}
		}
		return
	}

	ids := make([]string, len(members))
	triggers := make([]models.LabeledExample, len(members))
	for i, m := range members {
		ids[i] = m.es.Example.ID
		triggers[i] = m.es.Example
	}

	r.transition(models.PhaseValidating)
	verdict, err := r.validate(ctx, candidate, triggers)
	if err != nil {
		for _, m := range members {
			m.rec.Outcome = models.AttemptCancelled
			m.rec.Reason = err.Error()
			r.history.Append(m.rec)
		}
		return
	}

	if !verdict.Accepted {
		r.rejected(ctx, verdict, "", ids)
		for _, m := range members {
			m.es.Individual = true
			m.rec.Outcome = models.AttemptRejected
			m.rec.Reason = "batch rejected: " + verdict.Reason
			r.history.Append(m.rec)
		}
		r.logger.Info("batch rejected, examples will be retried individually",
			zap.Strings("example_ids", ids))
		r.transition(models.PhaseBudgetCheck)
		for _, es := range touched {
			r.budgetCheck(ctx, es)
		}
		return
	}

	r.emit(ctx, models.Event{
		Type:       models.EventValidationAccepted,
		ExampleIDs: ids,
		Validation: &verdict,
	})
	r.transition(models.PhaseCommitting)
	r.commit(ctx, candidate, verdict, "", ids)
	for _, m := range members {
		m.rec.Outcome = models.AttemptAccepted
		r.history.Append(m.rec)
	}
	for _, es := range touched {
		_, _ = r.recheck(ctx, es)
	}
	r.transition(models.PhaseBudgetCheck)
	for _, es := range touched {
		r.budgetCheck(ctx, es)
	}
}

// refineFailed turns a refiner error into an empty proposal so it still
// costs an attempt.
func (r *run) refineFailed(p *proposal) {
	if p.err == nil {
		return
	}
	r.logger.Warn("refiner failed",
		zap.String("example_id", p.example.Example.ID),
		zap.Error(p.err))
	p.patch = nil
	p.err = nil
}

// beginAttempt spends one iteration and one attempt and announces the proposal.
func (r *run) beginAttempt(ctx context.Context, es *models.ExampleState, patch *models.PromptPatch) models.AttemptRecord {
	r.state.Iterations++
	es.Attempts++

	rec := models.AttemptRecord{
		ExampleID:     es.Example.ID,
		Attempt:       es.Attempts,
		PromptVersion: r.state.Current.Version,
		Patch:         patch,
	}
	if es.LastResult != nil {
		rec.Prediction = es.LastResult.Prediction
		rec.Passed = es.LastResult.Passed
	}

	r.emit(ctx, models.Event{
		Type:      models.EventRefineProposed,
		ExampleID: es.Example.ID,
		Attempt:   es.Attempts,
		Patch:     patch,
	})
	return rec
}

func (r *run) mergeFailed(ctx context.Context, rec *models.AttemptRecord, es *models.ExampleState, patch *models.PromptPatch, err error) {
	rec.Outcome = models.AttemptInvalidPatch
	if errors.Is(err, domain.ErrUnknownBlock) {
		rec.Outcome = models.AttemptUnknownBlock
	}
	rec.Reason = err.Error()
	r.history.Append(*rec)

	r.logger.Warn("patch rejected by merger",
		zap.String("example_id", es.Example.ID),
		zap.Int("attempt", es.Attempts),
		zap.String("patch", patch.String()),
		zap.Error(err))
	r.emit(ctx, models.Event{
		Type:      models.EventMergeFailed,
		ExampleID: es.Example.ID,
		Attempt:   es.Attempts,
		Patch:     patch,
		Reason:    err.Error(),
	})
}

// validate asks the validator about candidate. Only cancellation is returned
// as an error; any other validator failure becomes a rejection.
func (r *run) validate(ctx context.Context, candidate models.Prompt, triggers []models.LabeledExample) (models.ValidationResult, error) {
	verdict, err := r.o.validator.Validate(ctx, ports.ValidationRequest{
		Candidate:     candidate,
		Current:       r.state.Current,
		Triggers:      triggers,
		TrainSet:      r.train,
		ValidationSet: r.validation,
		Baseline:      r.baseline,
		Evaluator:     r.o.evaluator,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.ValidationResult{}, ctx.Err()
		}
		r.logger.Warn("validator failed", zap.String("validator", r.o.validator.Name()), zap.Error(err))
		return models.ValidationResult{
			Strategy: r.o.validator.Name(),
			Reason:   "validation error: " + err.Error(),
		}, nil
	}
	return verdict, nil
}

func (r *run) rejected(ctx context.Context, verdict models.ValidationResult, exampleID string, ids []string) {
	r.logger.Info("candidate rejected",
		zap.String("example_id", exampleID),
		zap.Strings("example_ids", ids),
		zap.Int("regressions", len(verdict.Regressions)),
		zap.String("reason", verdict.Reason))
	r.emit(ctx, models.Event{
		Type:       models.EventValidationRejected,
		ExampleID:  exampleID,
		ExampleIDs: ids,
		Validation: &verdict,
		Reason:     verdict.Reason,
	})
}

// commit installs candidate as the next version and seeds the result cache
// with what the validator already computed for it.
func (r *run) commit(ctx context.Context, candidate models.Prompt, verdict models.ValidationResult, exampleID string, ids []string) {
	next := r.state.Commit(candidate)
	r.commits++

	r.cacheMu.Lock()
	r.cacheVersion = next.Version
	r.cache = make(map[string]models.EvaluationResult, len(r.train))
	for _, res := range verdict.Results {
		res.Prediction.PromptVersion = next.Version
		r.cache[res.Example.ID] = res
	}
	r.cacheMu.Unlock()

	r.logger.Info("candidate committed",
		zap.Int("version", next.Version),
		zap.String("example_id", exampleID),
		zap.Strings("example_ids", ids),
		zap.Float64("score", verdict.Score))
	r.emit(ctx, models.Event{
		Type:       models.EventCommitted,
		ExampleID:  exampleID,
		ExampleIDs: ids,
		Validation: &verdict,
		Prompt:     next.Serialize(),
	})
}

// recheck evaluates one example under the current prompt and resolves it if
// it now passes.
func (r *run) recheck(ctx context.Context, es *models.ExampleState) (bool, error) {
	results, err := r.baseline(ctx, []models.LabeledExample{es.Example})
	if err != nil || len(results) == 0 {
		return false, err
	}
	res := results[0]
	if res.Passed {
		r.state.MarkPassed(res)
		return true, nil
	}
	es.LastResult = &res
	return false, nil
}

func (r *run) budgetCheck(ctx context.Context, es *models.ExampleState) {
	if es.Status != models.ExampleFailing || es.Attempts < r.o.config.MaxAttempts {
		return
	}
	reason := fmt.Sprintf("retry budget exhausted after %d attempts", es.Attempts)
	r.state.MarkUnresolved(es.Example.ID, reason)
	r.logger.Info("example unresolved",
		zap.String("example_id", es.Example.ID),
		zap.Int("attempts", es.Attempts))
	r.emit(ctx, models.Event{
		Type:      models.EventExampleUnresolved,
		ExampleID: es.Example.ID,
		Attempt:   es.Attempts,
		Reason:    reason,
	})
}

// baseline returns results for examples under the current prompt, evaluating
// only what is not cached for this version.
func (r *run) baseline(ctx context.Context, examples []models.LabeledExample) ([]models.EvaluationResult, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	current := r.state.Current
	if r.cacheVersion != current.Version {
		r.cacheVersion = current.Version
		r.cache = make(map[string]models.EvaluationResult, len(r.train))
	}

	var missing []models.LabeledExample
	for _, ex := range examples {
		if _, ok := r.cache[ex.ID]; !ok {
			missing = append(missing, ex)
		}
	}

	var evalErr error
	if len(missing) > 0 {
		fresh, err := r.o.evaluator.Evaluate(ctx, current, missing)
		for _, res := range fresh {
			r.cache[res.Example.ID] = res
		}
		evalErr = err
	}

	out := make([]models.EvaluationResult, 0, len(examples))
	for _, ex := range examples {
		if res, ok := r.cache[ex.ID]; ok {
			out = append(out, res)
		}
	}
	return out, evalErr
}

func (r *run) transition(to models.Phase) {
	from := r.state.Phase
	if err := r.state.Transition(to); err != nil {
		r.logger.Error("invalid phase transition", zap.Error(err))
		r.state.Phase = to
		return
	}
	if from != to {
		r.logger.Debug("phase transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
}

func (r *run) emit(ctx context.Context, e models.Event) {
	e.ID = r.o.idGenerator.GenerateEventID()
	e.RunID = r.id
	e.Phase = r.state.Phase
	e.Timestamp = time.Now().UTC()
	e.PromptVersion = r.state.Current.Version
	e.Iteration = r.state.Iterations

	r.trailMu.Lock()
	r.trail = append(r.trail, e)
	r.trailMu.Unlock()

	r.events.emit(ctx, e)
}

func (r *run) finish(ctx context.Context, status models.RunStatus, runErr error) (*models.RunResult, error) {
	r.transition(models.PhaseDone)

	pending := ""
	switch status {
	case models.RunStatusCancelled:
		pending = "run cancelled"
	case models.RunStatusStopped:
		pending = "run stopped early"
		if reason := r.events.stopReason(); reason != "" {
			pending += ": " + reason
		}
	case models.RunStatusIterationCap:
		pending = fmt.Sprintf("global iteration cap of %d reached", r.maxIterations)
	case models.RunStatusFailed:
		pending = "run failed"
	}

	result := &models.RunResult{
		RunID:      r.id,
		Status:     status,
		Prompt:     r.state.Current.Clone(),
		Outcomes:   r.state.Outcomes(pending),
		Iterations: r.state.Iterations,
		Commits:    r.commits,
		StartedAt:  r.started,
		FinishedAt: time.Now().UTC(),
	}

	summary := models.EvaluationSummary{Total: len(result.Outcomes), Passed: result.Passed()}
	summary.Failed = summary.Total - summary.Passed
	done := models.Event{
		Type:    models.EventRunCompleted,
		Status:  status,
		Summary: &summary,
		Prompt:  result.Prompt.Serialize(),
	}
	if runErr != nil {
		done.Reason = runErr.Error()
	}
	r.emit(context.WithoutCancel(ctx), done)

	r.trailMu.Lock()
	result.Trail = make([]models.Event, len(r.trail))
	copy(result.Trail, r.trail)
	r.trailMu.Unlock()

	r.logger.Info("optimization run finished",
		zap.String("status", string(status)),
		zap.Int("version", result.Prompt.Version),
		zap.Int("iterations", result.Iterations),
		zap.Int("commits", result.Commits),
		zap.Int("passed", summary.Passed),
		zap.Int("total", summary.Total))

	if status == models.RunStatusFailed {
		return result, runErr
	}
	return result, nil
}
