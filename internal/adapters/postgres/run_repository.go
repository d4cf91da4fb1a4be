package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

const runColumns = `id, status, config, initial_prompt, final_prompt, prompt_version,
	iterations, passed, unresolved, error, created_at, updated_at, completed_at`

// RunRepository implements ports.RunRepository
type RunRepository struct {
	BaseRepository
}

var _ ports.RunRepository = (*RunRepository)(nil)

// NewRunRepository creates a new run repository
func NewRunRepository(pool Pool) *RunRepository {
	return &RunRepository{BaseRepository: NewBaseRepository(pool)}
}

// Create inserts a new run record
func (r *RunRepository) Create(ctx context.Context, run *models.OptimizationRun) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	config, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	query := `
		INSERT INTO optimization_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.conn(ctx).Exec(ctx, query,
		run.ID,
		run.Status,
		config,
		run.InitialPrompt,
		run.FinalPrompt,
		run.PromptVersion,
		run.Iterations,
		run.Passed,
		run.Unresolved,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	return err
}

// Update writes the mutable fields of a run
func (r *RunRepository) Update(ctx context.Context, run *models.OptimizationRun) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE optimization_runs
		SET status = $1, final_prompt = $2, prompt_version = $3, iterations = $4,
			passed = $5, unresolved = $6, error = $7, updated_at = $8, completed_at = $9
		WHERE id = $10`

	result, err := r.conn(ctx).Exec(ctx, query,
		run.Status,
		run.FinalPrompt,
		run.PromptVersion,
		run.Iterations,
		run.Passed,
		run.Unresolved,
		run.Error,
		run.UpdatedAt,
		run.CompletedAt,
		run.ID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.NewDomainError(domain.ErrNotFound, "optimization run "+run.ID)
	}
	return nil
}

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.OptimizationRun, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + runColumns + ` FROM optimization_runs WHERE id = $1`

	run, err := scanRun(r.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.NewDomainError(domain.ErrNotFound, "optimization run "+id)
		}
		return nil, err
	}
	return run, nil
}

// List returns runs newest first, optionally filtered by status
func (r *RunRepository) List(ctx context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	limit, offset = clampPage(limit, offset, 50, 200)

	query := `SELECT ` + runColumns + ` FROM optimization_runs`
	args := []any{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*models.OptimizationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*models.OptimizationRun, error) {
	var run models.OptimizationRun
	var config []byte

	err := row.Scan(
		&run.ID,
		&run.Status,
		&config,
		&run.InitialPrompt,
		&run.FinalPrompt,
		&run.PromptVersion,
		&run.Iterations,
		&run.Passed,
		&run.Unresolved,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSONField(config, &run.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of run %s: %w", run.ID, err)
	}
	if run.Config == nil {
		run.Config = make(map[string]any)
	}
	return &run, nil
}
