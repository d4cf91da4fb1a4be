package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func totalInvoker() *ruleInvoker {
	return &ruleInvoker{rule: func(p string, input map[string]string) (string, error) {
		if input["kind"] == "total" {
			if strings.Contains(p, "Output: 100.00") {
				return "100.00", nil
			}
			return "100", nil
		}
		return input["answer"], nil
	}}
}

func TestOptimizer_AppendPatchCommits(t *testing.T) {
	initial, err := models.NewPrompt(models.DefaultSchema(),
		models.Block{Name: models.BlockTask, Content: "Extract total."},
		models.Block{Name: models.BlockExamples, Content: ""},
	)
	require.NoError(t, err)

	train := []models.LabeledExample{
		{ID: "e1", Input: map[string]string{"kind": "total", "doc": "Total: 100"}, Gold: "100.00"},
	}
	validation := []models.LabeledExample{
		{ID: "v1", Input: map[string]string{"answer": "42"}, Gold: "42"},
	}
	patch := appendPatch(models.BlockExamples, "Input: Total: 100; Output: 100.00")
	refiner := newScriptedRefiner(map[string][]*models.PromptPatch{"e1": {patch}})
	listener := &recordingListener{}

	opt := newTestOptimizer(totalInvoker(), refiner, &FullValidator{}, OptimizerConfig{MaxAttempts: 3})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:         "run_test",
		Prompt:        initial,
		TrainSet:      train,
		ValidationSet: validation,
		Listeners:     []any{listener},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, initial.Version+1, result.Prompt.Version)
	assert.Equal(t, 1, result.Commits)
	assert.Equal(t, 1, result.Iterations)

	examples, ok := result.Prompt.Block(models.BlockExamples)
	require.True(t, ok)
	assert.Equal(t, "Input: Total: 100; Output: 100.00", examples)

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, models.OutcomePassed, result.Outcomes[0].Status)
	assert.Equal(t, 1, result.Outcomes[0].Attempts)
	assert.Equal(t, "100.00", result.Outcomes[0].LastOutput)

	assert.Equal(t, []models.EventType{
		models.EventRunStarted,
		models.EventEvaluationCompleted,
		models.EventRefineProposed,
		models.EventMergeApplied,
		models.EventValidationAccepted,
		models.EventCommitted,
		models.EventEvaluationCompleted,
		models.EventRunCompleted,
	}, listener.types())
	assert.Len(t, result.Trail, 8)
}

func TestOptimizer_RejectedBatchRetriesIndividually(t *testing.T) {
	train := []models.LabeledExample{
		markerExample("a", "MA"),
		markerExample("b", "MB"),
		markerExample("c", "MC"),
		passingExample("d", "MC"),
	}
	validator := &spyBatchValidator{spyValidator: &spyValidator{Validator: NewBatchedValidator(3)}, k: 3}
	listener := &recordingListener{}

	opt := newTestOptimizer(markerInvoker(), markerRefiner{}, validator, OptimizerConfig{MaxAttempts: 3})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:     "run_test",
		Prompt:    testPrompt(),
		TrainSet:  train,
		Listeners: []any{listener},
	})
	require.NoError(t, err)

	var firstRejection *models.Event
	for _, e := range result.Trail {
		if e.Type == models.EventValidationRejected {
			firstRejection = &e
			break
		}
	}
	require.NotNil(t, firstRejection)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, firstRejection.ExampleIDs)
	require.NotNil(t, firstRejection.Validation)
	require.Len(t, firstRejection.Validation.Regressions, 1)
	assert.Equal(t, "d", firstRejection.Validation.Regressions[0].ExampleID)

	// the batch, then a, b and two tries of c on their own
	require.Equal(t, 5, validator.calls)
	var merged []string
	for _, seen := range validator.seen {
		h, _ := seen.Block(models.BlockHeuristics)
		merged = append(merged, h)
	}
	assert.Equal(t, []string{
		"MA\n\nMB\n\nMC",
		"MA",
		"MA\n\nMB",
		"MA\n\nMB\n\nMC",
		"MA\n\nMB\n\nMC",
	}, merged)

	outcomes := outcomeByID(result)
	assert.Equal(t, models.OutcomePassed, outcomes["a"].Status)
	assert.Equal(t, models.OutcomePassed, outcomes["b"].Status)
	assert.Equal(t, models.OutcomePassed, outcomes["d"].Status)
	assert.Equal(t, models.OutcomeUnresolved, outcomes["c"].Status)
	assert.Equal(t, 3, outcomes["c"].Attempts)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 3, result.Prompt.Version)
	h, _ := result.Prompt.Block(models.BlockHeuristics)
	assert.NotContains(t, h, "MC")
}

func TestOptimizer_BudgetExhaustionMarksUnresolved(t *testing.T) {
	refiner := newScriptedRefiner(nil)
	listener := &recordingListener{}

	opt := newTestOptimizer(markerInvoker(), refiner, &FullValidator{}, OptimizerConfig{MaxAttempts: 2})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:     "run_test",
		Prompt:    testPrompt(),
		TrainSet:  []models.LabeledExample{markerExample("a", "MA"), passingExample("b", "")},
		Listeners: []any{listener},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 2, refiner.callsFor("a"))
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.Prompt.Version)

	outcomes := outcomeByID(result)
	assert.Equal(t, models.OutcomeUnresolved, outcomes["a"].Status)
	assert.Contains(t, outcomes["a"].Reason, "retry budget exhausted")
	assert.Equal(t, models.OutcomePassed, outcomes["b"].Status)
	assert.Equal(t, 1, listener.count(models.EventExampleUnresolved))
}

func TestOptimizer_UnknownBlockNeverReachesValidator(t *testing.T) {
	bad := &models.PromptPatch{TargetBlock: "Nonexistent", Operation: models.PatchAppend, Content: "MA"}
	refiner := newScriptedRefiner(map[string][]*models.PromptPatch{"a": {bad, bad}})
	validator := &spyValidator{Validator: &FullValidator{}}
	listener := &recordingListener{}

	opt := newTestOptimizer(markerInvoker(), refiner, validator, OptimizerConfig{MaxAttempts: 2})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:     "run_test",
		Prompt:    testPrompt(),
		TrainSet:  []models.LabeledExample{markerExample("a", "MA")},
		Listeners: []any{listener},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, validator.calls)
	assert.Equal(t, 2, listener.count(models.EventMergeFailed))
	assert.Equal(t, 0, listener.count(models.EventMergeApplied))
	for _, e := range result.Trail {
		if e.Type == models.EventMergeFailed {
			assert.Contains(t, e.Reason, "Nonexistent")
		}
	}
	assert.Equal(t, models.OutcomeUnresolved, result.Outcomes[0].Status)
	assert.Equal(t, 2, result.Outcomes[0].Attempts)
}

func TestOptimizer_IterationCap(t *testing.T) {
	opt := newTestOptimizer(markerInvoker(), newScriptedRefiner(nil), &FullValidator{},
		OptimizerConfig{MaxAttempts: 5, MaxIterations: 1})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:    "run_test",
		Prompt:   testPrompt(),
		TrainSet: []models.LabeledExample{markerExample("a", "MA"), markerExample("b", "MB")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusIterationCap, result.Status)
	assert.Equal(t, 1, result.Iterations)
	require.Len(t, result.Outcomes, 2)
	for _, o := range result.Outcomes {
		assert.Equal(t, models.OutcomeUnresolved, o.Status)
	}
	assert.Contains(t, outcomeByID(result)["b"].Reason, "iteration cap")
}

func TestOptimizer_CancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker := &ruleInvoker{rule: func(string, map[string]string) (string, error) {
		cancel()
		return "wrong", nil
	}}
	listener := &recordingListener{}
	train := []models.LabeledExample{
		markerExample("a", "MA"), markerExample("b", "MB"), markerExample("c", "MC"),
		markerExample("d", "MD"), markerExample("e", "ME"), markerExample("f", "MF"),
	}

	evaluator := NewEvaluator(invoker, prompt.ExactMatchScorer{}, EvaluatorConfig{Concurrency: 1}, nil)
	opt := NewOptimizer(evaluator, markerRefiner{}, prompt.NewBlockMerger(nil), &FullValidator{},
		&mockIDGenerator{}, OptimizerConfig{}, nil)

	result, err := opt.Run(ctx, RunInput{
		RunID:     "run_test",
		Prompt:    testPrompt(),
		TrainSet:  train,
		Listeners: []any{listener},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCancelled, result.Status)
	assert.Equal(t, int64(1), invoker.calls.Load())
	require.Len(t, result.Outcomes, len(train))
	for _, o := range result.Outcomes {
		assert.Equal(t, models.OutcomeUnresolved, o.Status)
		assert.Equal(t, "run cancelled", o.Reason)
	}
	types := listener.types()
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])
	assert.Equal(t, 0, listener.count(models.EventEvaluationCompleted))
}

func TestOptimizer_StaleProposalResolvedWithoutSpendingBudget(t *testing.T) {
	train := []models.LabeledExample{markerExample("a", "M"), markerExample("b", "M")}
	validator := &spyValidator{Validator: &FullValidator{}}

	opt := newTestOptimizer(markerInvoker(), markerRefiner{}, validator,
		OptimizerConfig{MaxAttempts: 3, RefineConcurrency: 2})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:    "run_test",
		Prompt:   testPrompt(),
		TrainSet: train,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, result.Commits)
	assert.Equal(t, 1, validator.calls)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 2, result.Passed())

	attempts := result.Outcomes[0].Attempts + result.Outcomes[1].Attempts
	assert.Equal(t, 1, attempts)
}

func TestOptimizer_StaleProposalMergesAgainstCurrent(t *testing.T) {
	train := []models.LabeledExample{markerExample("a", "MA"), markerExample("b", "MB")}
	validator := &spyValidator{Validator: &FullValidator{}}

	opt := newTestOptimizer(markerInvoker(), markerRefiner{}, validator,
		OptimizerConfig{MaxAttempts: 3, RefineConcurrency: 2})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:    "run_test",
		Prompt:   testPrompt(),
		TrainSet: train,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 3, result.Prompt.Version)
	h, _ := result.Prompt.Block(models.BlockHeuristics)
	assert.Contains(t, h, "MA")
	assert.Contains(t, h, "MB")

	// the second candidate was built on the first commit
	require.Len(t, validator.seen, 2)
	second, _ := validator.seen[1].Block(models.BlockHeuristics)
	assert.Equal(t, 2, len(strings.Fields(second)))
	assert.Equal(t, 2, validator.seen[1].Version)
}

func TestOptimizer_ListenerStopIsHonored(t *testing.T) {
	train := []models.LabeledExample{markerExample("a", "MA"), passingExample("b", "MA")}
	listener := &recordingListener{stopOn: models.EventValidationRejected}
	refiner := newScriptedRefiner(map[string][]*models.PromptPatch{
		"a": {appendPatch(models.BlockHeuristics, "MA"), appendPatch(models.BlockHeuristics, "MA")},
	})

	opt := newTestOptimizer(markerInvoker(), refiner, &FullValidator{}, OptimizerConfig{MaxAttempts: 5})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:     "run_test",
		Prompt:    testPrompt(),
		TrainSet:  train,
		Listeners: []any{listener},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusStopped, result.Status)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, refiner.callsFor("a"))
	outcomes := outcomeByID(result)
	assert.Equal(t, models.OutcomeUnresolved, outcomes["a"].Status)
	assert.Contains(t, outcomes["a"].Reason, "stopped")
	assert.Equal(t, models.OutcomePassed, outcomes["b"].Status)
}

func TestOptimizer_RefinerSeesRejectedHistory(t *testing.T) {
	train := []models.LabeledExample{markerExample("a", "MA"), passingExample("b", "MA")}
	refiner := newScriptedRefiner(map[string][]*models.PromptPatch{
		"a": {appendPatch(models.BlockHeuristics, "MA"), appendPatch(models.BlockHeuristics, "MA")},
	})

	opt := newTestOptimizer(markerInvoker(), refiner, &FullValidator{}, OptimizerConfig{MaxAttempts: 2})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:    "run_test",
		Prompt:   testPrompt(),
		TrainSet: train,
	})
	require.NoError(t, err)

	require.Len(t, refiner.reqs, 2)
	assert.Empty(t, refiner.reqs[0].History)
	require.Len(t, refiner.reqs[1].History, 1)
	assert.Equal(t, models.AttemptRejected, refiner.reqs[1].History[0].Outcome)
	assert.Contains(t, FormatHistory(refiner.reqs[1].History), "Failed Attempt 1")
	assert.Equal(t, "wrong", refiner.reqs[1].Prediction.Output)

	assert.Equal(t, 1, result.Prompt.Version)
	assert.Equal(t, models.OutcomeUnresolved, outcomeByID(result)["a"].Status)
}

func TestOptimizer_InvokerFailuresAreExampleLevel(t *testing.T) {
	invoker := &ruleInvoker{rule: func(p string, input map[string]string) (string, error) {
		if input["answer"] == "ok-a" {
			return "", domain.ErrInvokerTimeout
		}
		return input["answer"], nil
	}}
	opt := newTestOptimizer(invoker, newScriptedRefiner(nil), &FullValidator{}, OptimizerConfig{MaxAttempts: 1})
	result, err := opt.Run(context.Background(), RunInput{
		RunID:    "run_test",
		Prompt:   testPrompt(),
		TrainSet: []models.LabeledExample{passingExample("a", ""), passingExample("b", "")},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	outcomes := outcomeByID(result)
	assert.Equal(t, models.OutcomeUnresolved, outcomes["a"].Status)
	assert.Equal(t, models.OutcomePassed, outcomes["b"].Status)
}

func TestOptimizer_InvalidInput(t *testing.T) {
	opt := newTestOptimizer(markerInvoker(), markerRefiner{}, &FullValidator{}, OptimizerConfig{})

	tests := []struct {
		name string
		in   RunInput
		want error
	}{
		{
			name: "empty training set",
			in:   RunInput{Prompt: testPrompt()},
			want: domain.ErrInvalidInput,
		},
		{
			name: "empty prompt",
			in:   RunInput{TrainSet: []models.LabeledExample{markerExample("a", "MA")}},
			want: domain.ErrInvalidPrompt,
		},
		{
			name: "duplicate ids",
			in: RunInput{
				Prompt:   testPrompt(),
				TrainSet: []models.LabeledExample{markerExample("a", "MA"), markerExample("a", "MB")},
			},
			want: domain.ErrInvalidInput,
		},
		{
			name: "id reused across sets",
			in: RunInput{
				Prompt:        testPrompt(),
				TrainSet:      []models.LabeledExample{markerExample("a", "MA")},
				ValidationSet: []models.LabeledExample{markerExample("a", "MB")},
			},
			want: domain.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := opt.Run(context.Background(), tt.in)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
