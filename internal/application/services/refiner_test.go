package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

// MockPredictor is a mock implementation of ports.Predictor
type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Process(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	args := m.Called(ctx, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func refineRequest() ports.RefineRequest {
	return ports.RefineRequest{
		Prompt:     testPrompt(),
		Example:    models.LabeledExample{ID: "e1", Input: map[string]string{"doc": "Total: 100"}, Gold: "100.00"},
		Prediction: models.Prediction{ExampleID: "e1", PromptVersion: 1, Output: "100"},
		History: []models.AttemptRecord{{
			ExampleID: "e1",
			Attempt:   1,
			Patch:     appendPatch(models.BlockHeuristics, "Keep two decimals."),
			Outcome:   models.AttemptRejected,
			Reason:    "example e2 regressed",
		}},
	}
}

func TestRefiner_ParsesPatch(t *testing.T) {
	predictor := new(MockPredictor)
	predictor.On("Process", mock.Anything, mock.MatchedBy(func(in map[string]any) bool {
		return in[prompt.FieldGoldOutput] == "100.00" &&
			in[prompt.FieldPrediction] == "100" &&
			in[prompt.FieldFailingInput] == "doc: Total: 100" &&
			in[prompt.FieldRationale] == "None"
	})).Return(map[string]any{
		prompt.FieldAnalysis:    "The model drops decimals.",
		prompt.FieldTargetBlock: "### Examples",
		prompt.FieldOperation:   "Append",
		prompt.FieldContent:     "```\nInput: Total: 100; Output: 100.00\n```",
	}, nil)

	r := NewRefiner(predictor, nil, nil)
	patch, err := r.Propose(context.Background(), refineRequest())
	require.NoError(t, err)
	require.NotNil(t, patch)

	assert.Equal(t, "### Examples", patch.TargetBlock)
	assert.Equal(t, models.PatchAppend, patch.Operation)
	assert.Equal(t, "Input: Total: 100; Output: 100.00", patch.Content)
	predictor.AssertExpectations(t)
}

func TestRefiner_NoPatchCases(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]any
		err     error
	}{
		{name: "declined", outputs: map[string]any{prompt.FieldOperation: "none"}},
		{name: "unknown operation", outputs: map[string]any{prompt.FieldOperation: "rewrite", prompt.FieldTargetBlock: "Task"}},
		{name: "missing target", outputs: map[string]any{prompt.FieldOperation: "append", prompt.FieldContent: "x"}},
		{name: "model error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predictor := new(MockPredictor)
			predictor.On("Process", mock.Anything, mock.Anything).Return(tt.outputs, tt.err)

			patch, err := NewRefiner(predictor, nil, nil).Propose(context.Background(), refineRequest())
			assert.NoError(t, err)
			assert.Nil(t, patch)
		})
	}
}

func TestRefiner_CancellationIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	predictor := new(MockPredictor)
	predictor.On("Process", mock.Anything, mock.Anything).Return(nil, context.Canceled)

	_, err := NewRefiner(predictor, nil, nil).Propose(ctx, refineRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatHistory(t *testing.T) {
	assert.Equal(t, "None", FormatHistory(nil))

	records := []models.AttemptRecord{
		{Patch: appendPatch(models.BlockHeuristics, "A"), Outcome: models.AttemptRejected, Reason: "regressed"},
		{Outcome: models.AttemptNoPatch},
		{Patch: appendPatch(models.BlockTask, "B"), Outcome: models.AttemptAccepted},
		{Patch: appendPatch("Bogus", "C"), Outcome: models.AttemptUnknownBlock},
	}
	got := FormatHistory(records)
	assert.Contains(t, got, "Failed Attempt 1: ")
	assert.Contains(t, got, "(regressed)")
	assert.Contains(t, got, "Failed Attempt 2: ")
	assert.NotContains(t, got, "Failed Attempt 3")
}
