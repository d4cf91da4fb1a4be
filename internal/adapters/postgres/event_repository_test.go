package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/promptloop/internal/domain/models"
)

func sampleEvent(id string) models.Event {
	return models.Event{
		ID:            id,
		RunID:         "run_1",
		Type:          models.EventValidationRejected,
		Phase:         models.PhaseValidating,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PromptVersion: 2,
		Iteration:     3,
		ExampleID:     "ex_a",
		Attempt:       1,
		Patch:         &models.PromptPatch{TargetBlock: models.BlockHeuristics, Operation: models.PatchAppend, Content: "x"},
		Validation: &models.ValidationResult{
			Strategy:    "full",
			Regressions: []models.Regression{{ExampleID: "ex_d", Gold: "1", Before: "1", After: "2"}},
		},
		Reason: "1 previously passing example regressed",
	}
}

func TestEventRepository_Append(t *testing.T) {
	mock := newMockPool(t)
	repo := NewEventRepository(mock)
	e := sampleEvent("evt_1")

	mock.ExpectExec("INSERT INTO optimization_events").
		WithArgs(
			e.ID, e.RunID, e.Type, e.Phase, 2, 3, "ex_a", 1, pgxmock.AnyArg(), e.Timestamp,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_ListByRun(t *testing.T) {
	mock := newMockPool(t)
	repo := NewEventRepository(mock)

	first, second := sampleEvent("evt_1"), sampleEvent("evt_2")
	second.Type = models.EventCommitted
	p1, _ := json.Marshal(first)
	p2, _ := json.Marshal(second)

	mock.ExpectQuery("SELECT payload FROM optimization_events").
		WithArgs("run_1", 500, 0).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(p1).AddRow(p2))

	events, err := repo.ListByRun(context.Background(), "run_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt_1", events[0].ID)
	assert.Equal(t, models.EventCommitted, events[1].Type)
	require.NotNil(t, events[0].Validation)
	assert.Equal(t, "ex_d", events[0].Validation.Regressions[0].ExampleID)
	assert.Equal(t, models.BlockHeuristics, events[0].Patch.TargetBlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_AppendAllCommits(t *testing.T) {
	mock := newMockPool(t)
	repo := NewEventRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO optimization_events").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO optimization_events").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.AppendAll(context.Background(), []models.Event{sampleEvent("evt_1"), sampleEvent("evt_2")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_AppendAllRollsBack(t *testing.T) {
	mock := newMockPool(t)
	repo := NewEventRepository(mock)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO optimization_events").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO optimization_events").WillReturnError(boom)
	mock.ExpectRollback()

	err := repo.AppendAll(context.Background(), []models.Event{sampleEvent("evt_1"), sampleEvent("evt_2")})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "evt_2")
	assert.NoError(t, mock.ExpectationsWereMet())
}
