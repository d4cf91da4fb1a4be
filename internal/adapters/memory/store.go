// Package memory holds process-local run and event stores used when no
// database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

type RunRepository struct {
	mu   sync.RWMutex
	runs map[string]models.OptimizationRun
}

var _ ports.RunRepository = (*RunRepository)(nil)

func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[string]models.OptimizationRun)}
}

func (r *RunRepository) Create(_ context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return domain.NewDomainError(domain.ErrInvalidInput, "run "+run.ID+" already exists")
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *RunRepository) Update(_ context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; !exists {
		return domain.NewDomainError(domain.ErrNotFound, "optimization run "+run.ID)
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *RunRepository) GetByID(_ context.Context, id string) (*models.OptimizationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrNotFound, "optimization run "+id)
	}
	out := copyRun(&run)
	return &out, nil
}

// List returns runs newest first.
func (r *RunRepository) List(_ context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*models.OptimizationRun, 0, len(r.runs))
	for _, run := range r.runs {
		if status != "" && run.Status != status {
			continue
		}
		c := copyRun(&run)
		runs = append(runs, &c)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return page(runs, limit, offset), nil
}

func copyRun(run *models.OptimizationRun) models.OptimizationRun {
	out := *run
	out.Config = make(map[string]any, len(run.Config))
	for k, v := range run.Config {
		out.Config[k] = v
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// EventRepository is an append-only in-memory audit trail.
type EventRepository struct {
	mu     sync.RWMutex
	seen   map[string]struct{}
	events map[string][]models.Event
}

var _ ports.EventRepository = (*EventRepository)(nil)

func NewEventRepository() *EventRepository {
	return &EventRepository{
		seen:   make(map[string]struct{}),
		events: make(map[string][]models.Event),
	}
}

// Append stores e. Re-appending an event ID is a no-op.
func (r *EventRepository) Append(_ context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID != "" {
		if _, dup := r.seen[e.ID]; dup {
			return nil
		}
		r.seen[e.ID] = struct{}{}
	}
	r.events[e.RunID] = append(r.events[e.RunID], e)
	return nil
}

func (r *EventRepository) ListByRun(_ context.Context, runID string, limit, offset int) ([]models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[runID]
	out := make([]models.Event, len(events))
	copy(out, events)
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
