package ports

import (
	"context"

	"github.com/longregen/promptloop/internal/domain/models"
)

// RunRequest describes an optimization run to start.
type RunRequest struct {
	Prompt        models.Prompt
	TrainSet      []models.LabeledExample
	ValidationSet []models.LabeledExample
	Strategies    StrategySelection
	Config        map[string]any
}

// StrategySelection names the registry entries a run uses. Empty names fall
// back to the configured defaults.
type StrategySelection struct {
	Scorer    string `json:"scorer,omitempty"`
	Merger    string `json:"merger,omitempty"`
	Validator string `json:"validator,omitempty"`
}

// RunService manages optimization runs for the CLI and HTTP layers.
type RunService interface {
	Start(ctx context.Context, req RunRequest) (*models.OptimizationRun, error)
	Execute(ctx context.Context, req RunRequest) (*models.RunResult, error)
	Cancel(ctx context.Context, runID string) error
	Get(ctx context.Context, runID string) (*models.OptimizationRun, error)
	List(ctx context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error)
	Events(ctx context.Context, runID string, limit, offset int) ([]models.Event, error)
}
