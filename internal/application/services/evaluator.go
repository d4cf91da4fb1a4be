package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// EvaluatorConfig bounds the evaluation worker pool.
type EvaluatorConfig struct {
	// Concurrency is the number of examples evaluated at once
	Concurrency int

	// InvokeTimeout caps a single model call; zero leaves it to the invoker
	InvokeTimeout time.Duration
}

// DefaultEvaluatorConfig returns sensible defaults
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Concurrency:   8,
		InvokeTimeout: 2 * time.Minute,
	}
}

// Evaluator runs a fixed prompt over examples on a bounded worker pool and
// scores each prediction.
type Evaluator struct {
	invoker ports.ModelInvoker
	scorer  ports.Scorer
	config  EvaluatorConfig
	logger  *zap.Logger
}

var _ ports.Evaluator = (*Evaluator)(nil)

func NewEvaluator(invoker ports.ModelInvoker, scorer ports.Scorer, config EvaluatorConfig, logger *zap.Logger) *Evaluator {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{invoker: invoker, scorer: scorer, config: config, logger: logger}
}

// Evaluate returns one result per example in input order. Cancellation is
// checked before each example starts, never during a model call; a cancelled
// pass returns the results that completed along with ctx.Err().
func (e *Evaluator) Evaluate(ctx context.Context, p models.Prompt, examples []models.LabeledExample) ([]models.EvaluationResult, error) {
	text := p.Serialize()
	results := make([]models.EvaluationResult, len(examples))
	done := make([]bool, len(examples))

	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for i := range examples {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = e.evaluateOne(ctx, text, p.Version, examples[i])
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		partial := make([]models.EvaluationResult, 0, len(examples))
		for i, ok := range done {
			if ok {
				partial = append(partial, results[i])
			}
		}
		e.logger.Info("evaluation cancelled",
			zap.Int("completed", len(partial)),
			zap.Int("total", len(examples)))
		return partial, err
	}
	return results, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, promptText string, version int, ex models.LabeledExample) models.EvaluationResult {
	callCtx := context.WithoutCancel(ctx)
	if e.config.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.config.InvokeTimeout)
		defer cancel()
	}

	result := models.EvaluationResult{
		Example:    ex,
		Prediction: models.Prediction{ExampleID: ex.ID, PromptVersion: version},
	}

	out, err := e.invoker.Invoke(callCtx, promptText, ex.Input)
	if err != nil {
		result.Failure = classifyInvokeError(err)
		e.logger.Warn("model invocation failed",
			zap.String("example_id", ex.ID),
			zap.String("kind", string(result.Failure.Kind)),
			zap.Error(err))
		return result
	}

	result.Prediction.Output = out.Text
	result.Prediction.Rationale = out.Rationale
	result.Passed = e.scorer.Score(ex.Gold, out.Text)
	return result
}

func classifyInvokeError(err error) *models.InvocationFailure {
	kind := models.FailureInvoker
	switch {
	case errors.Is(err, domain.ErrInvokerTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = models.FailureTimeout
	case errors.Is(err, domain.ErrMalformedOutput):
		kind = models.FailureMalformed
	}
	return &models.InvocationFailure{Kind: kind, Message: err.Error()}
}
