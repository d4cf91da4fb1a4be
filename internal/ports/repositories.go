package ports

import (
	"context"

	"github.com/longregen/promptloop/internal/domain/models"
)

// RunRepository persists optimization run records.
type RunRepository interface {
	Create(ctx context.Context, run *models.OptimizationRun) error
	Update(ctx context.Context, run *models.OptimizationRun) error
	GetByID(ctx context.Context, id string) (*models.OptimizationRun, error)
	List(ctx context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error)
}

// EventRepository is the append-only audit trail store.
type EventRepository interface {
	Append(ctx context.Context, e models.Event) error
	ListByRun(ctx context.Context, runID string, limit, offset int) ([]models.Event, error)
}

// TransactionManager runs fn inside a transaction carried by ctx.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator generates unique, prefixed identifiers.
type IDGenerator interface {
	// GenerateRunID generates a new run ID (run_xxx)
	GenerateRunID() string

	// GenerateEventID generates a new event ID (evt_xxx)
	GenerateEventID() string

	// GenerateExampleID generates an ID for an example loaded without one (ex_xxx)
	GenerateExampleID() string
}
