package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// EventRepository is the append-only audit trail in optimization_events.
// The whole event is kept as the JSON payload; the other columns exist for
// filtering.
type EventRepository struct {
	BaseRepository
	tx *TransactionManager
}

var _ ports.EventRepository = (*EventRepository)(nil)

func NewEventRepository(pool Pool) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(pool),
		tx:             NewTransactionManager(pool),
	}
}

// Append stores one event. Re-appending an event ID is a no-op.
func (r *EventRepository) Append(ctx context.Context, e models.Event) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO optimization_events (
			id, run_id, type, phase, prompt_version, iteration, example_id, attempt, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.conn(ctx).Exec(ctx, query,
		e.ID,
		e.RunID,
		e.Type,
		e.Phase,
		e.PromptVersion,
		e.Iteration,
		e.ExampleID,
		e.Attempt,
		payload,
		e.Timestamp,
	)
	return err
}

// AppendAll stores events in one transaction.
func (r *EventRepository) AppendAll(ctx context.Context, events []models.Event) error {
	return r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		for _, e := range events {
			if err := r.Append(ctx, e); err != nil {
				return fmt.Errorf("event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// ListByRun returns a run's events in append order
func (r *EventRepository) ListByRun(ctx context.Context, runID string, limit, offset int) ([]models.Event, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	limit, offset = clampPage(limit, offset, 500, 5000)

	query := `
		SELECT payload FROM optimization_events
		WHERE run_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`

	rows, err := r.conn(ctx).Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e models.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
