package ports

import (
	"context"

	"github.com/longregen/promptloop/internal/domain/models"
)

// ModelInvoker runs a prompt against one input. Implementations must be safe
// for concurrent use. Failures wrap domain.ErrInvokerTimeout,
// domain.ErrMalformedOutput or domain.ErrInvokerFailed.
type ModelInvoker interface {
	Invoke(ctx context.Context, prompt string, input map[string]string) (models.ModelOutput, error)
}

// Scorer compares a produced output with a gold label.
type Scorer interface {
	Name() string
	Score(gold, predicted string) bool
}

// Merger applies a patch to a prompt. Merge is deterministic and never calls a model.
type Merger interface {
	Name() string
	Merge(prompt models.Prompt, patch models.PromptPatch) (models.Prompt, error)
}

// Evaluator runs a prompt over examples and scores every prediction.
// On cancellation it returns the results gathered so far with ctx.Err().
type Evaluator interface {
	Evaluate(ctx context.Context, prompt models.Prompt, examples []models.LabeledExample) ([]models.EvaluationResult, error)
}

// BaselineFunc returns the current accepted prompt's results for examples.
type BaselineFunc func(ctx context.Context, examples []models.LabeledExample) ([]models.EvaluationResult, error)

// ValidationRequest is everything a validator may look at.
type ValidationRequest struct {
	Candidate     models.Prompt
	Current       models.Prompt
	Triggers      []models.LabeledExample
	TrainSet      []models.LabeledExample
	ValidationSet []models.LabeledExample
	Baseline      BaselineFunc
	Evaluator     Evaluator
}

// Validator decides whether a candidate may replace the current prompt.
type Validator interface {
	Name() string
	Validate(ctx context.Context, req ValidationRequest) (models.ValidationResult, error)
}

// BatchValidator is a validator that wants up to BatchSize patches merged
// into one candidate before it is asked.
type BatchValidator interface {
	Validator
	BatchSize() int
}

// RefineRequest is the context a refiner gets for one failing example.
type RefineRequest struct {
	Prompt     models.Prompt
	Example    models.LabeledExample
	Prediction models.Prediction
	Failure    *models.InvocationFailure
	History    []models.AttemptRecord
}

// Refiner proposes a patch for a failing example. A nil patch with a nil
// error means no improvement was found.
type Refiner interface {
	Propose(ctx context.Context, req RefineRequest) (*models.PromptPatch, error)
}

// Predictor is a structured-output model call: named inputs in, named outputs out.
type Predictor interface {
	Process(ctx context.Context, inputs map[string]any) (map[string]any, error)
}
