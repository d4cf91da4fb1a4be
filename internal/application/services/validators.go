package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

const (
	FullValidatorName          = "full"
	BatchedValidatorName       = "batched"
	SingleExampleValidatorName = "single_example"
	SampleValidatorName        = "sample"
	NoneValidatorName          = "none"
)

// FullValidator re-runs the held-out validation set and rejects any candidate
// that breaks an example the current prompt passes. New passes do not matter.
type FullValidator struct{}

func (v *FullValidator) Name() string { return FullValidatorName }

func (v *FullValidator) Validate(ctx context.Context, req ports.ValidationRequest) (models.ValidationResult, error) {
	set := req.ValidationSet
	if len(set) == 0 {
		set = req.TrainSet
	}
	return zeroRegression(ctx, v.Name(), req, set)
}

// BatchedValidator validates up to k merged patches at once against the
// training set. The verdict applies to the whole batch.
type BatchedValidator struct {
	k int
}

var _ ports.BatchValidator = (*BatchedValidator)(nil)

func NewBatchedValidator(k int) *BatchedValidator {
	if k <= 0 {
		k = 1
	}
	return &BatchedValidator{k: k}
}

func (v *BatchedValidator) Name() string  { return BatchedValidatorName }
func (v *BatchedValidator) BatchSize() int { return v.k }

func (v *BatchedValidator) Validate(ctx context.Context, req ports.ValidationRequest) (models.ValidationResult, error) {
	return zeroRegression(ctx, v.Name(), req, req.TrainSet)
}

// SingleExampleValidator only checks the examples that triggered the patch.
type SingleExampleValidator struct{}

func (v *SingleExampleValidator) Name() string { return SingleExampleValidatorName }

func (v *SingleExampleValidator) Validate(ctx context.Context, req ports.ValidationRequest) (models.ValidationResult, error) {
	after, err := req.Evaluator.Evaluate(ctx, req.Candidate, req.Triggers)
	if err != nil {
		return models.ValidationResult{}, err
	}

	passed := 0
	var failing []models.EvaluationResult
	for _, r := range after {
		if r.Passed {
			passed++
		} else {
			failing = append(failing, r)
		}
	}

	result := models.ValidationResult{
		Strategy:    v.Name(),
		Accepted:    len(failing) == 0,
		Checked:     len(after),
		PassedAfter: passed,
		Score:       passRate(passed, len(after)),
		Results:     after,
	}
	if !result.Accepted {
		first := failing[0]
		result.Reason = fmt.Sprintf("triggering example %s still fails: expected %q, got %q",
			first.Example.ID, first.Example.Gold, first.Prediction.Output)
	}
	return result, nil
}

// SampleValidator evaluates a seeded random sample of the validation set and
// accepts when the candidate's pass rate reaches the threshold.
type SampleValidator struct {
	n         int
	threshold float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSampleValidator(n int, threshold float64, seed int64) *SampleValidator {
	return &SampleValidator{
		n:         n,
		threshold: threshold,
		rng:       rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
	}
}

func (v *SampleValidator) Name() string { return SampleValidatorName }

func (v *SampleValidator) Validate(ctx context.Context, req ports.ValidationRequest) (models.ValidationResult, error) {
	pool := req.ValidationSet
	if len(pool) == 0 {
		pool = req.TrainSet
	}
	sample := v.draw(pool)

	after, err := req.Evaluator.Evaluate(ctx, req.Candidate, sample)
	if err != nil {
		return models.ValidationResult{}, err
	}

	passed := 0
	for _, r := range after {
		if r.Passed {
			passed++
		}
	}
	score := passRate(passed, len(after))

	result := models.ValidationResult{
		Strategy:    v.Name(),
		Accepted:    score >= v.threshold,
		Checked:     len(after),
		PassedAfter: passed,
		Score:       score,
		Results:     after,
	}
	if !result.Accepted {
		result.Reason = fmt.Sprintf("sample pass rate %.2f below threshold %.2f", score, v.threshold)
	}
	return result, nil
}

func (v *SampleValidator) draw(pool []models.LabeledExample) []models.LabeledExample {
	if v.n >= len(pool) {
		return pool
	}
	v.mu.Lock()
	perm := v.rng.Perm(len(pool))
	v.mu.Unlock()

	out := make([]models.LabeledExample, v.n)
	for i := range out {
		out[i] = pool[perm[i]]
	}
	return out
}

// NoneValidator accepts everything.
type NoneValidator struct{}

func (v *NoneValidator) Name() string { return NoneValidatorName }

func (v *NoneValidator) Validate(_ context.Context, _ ports.ValidationRequest) (models.ValidationResult, error) {
	return models.Accept(v.Name(), 0, 1), nil
}

// zeroRegression compares the candidate against the current prompt's
// baseline on set and rejects on any pass that turned into a fail.
func zeroRegression(ctx context.Context, strategy string, req ports.ValidationRequest, set []models.LabeledExample) (models.ValidationResult, error) {
	before, err := req.Baseline(ctx, set)
	if err != nil {
		return models.ValidationResult{}, err
	}
	after, err := req.Evaluator.Evaluate(ctx, req.Candidate, set)
	if err != nil {
		return models.ValidationResult{}, err
	}

	baseline := models.IndexResults(before)
	var regressions []models.Regression
	passedBefore, passedAfter := 0, 0
	for _, r := range after {
		prev, ok := baseline[r.Example.ID]
		if ok && prev.Passed {
			passedBefore++
		}
		if r.Passed {
			passedAfter++
			continue
		}
		if ok && prev.Passed {
			reg := models.Regression{
				ExampleID: r.Example.ID,
				Gold:      r.Example.Gold,
				Before:    prev.Prediction.Output,
				After:     r.Prediction.Output,
			}
			if r.Failure != nil {
				reg.Failure = string(r.Failure.Kind)
			}
			regressions = append(regressions, reg)
		}
	}

	var result models.ValidationResult
	if len(regressions) > 0 {
		result = models.RejectRegressions(strategy, regressions)
	} else {
		result = models.Accept(strategy, len(after), 0)
	}
	result.Checked = len(after)
	result.PassedBefore = passedBefore
	result.PassedAfter = passedAfter
	result.Score = passRate(passedAfter, len(after))
	result.Results = after
	return result, nil
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(passed) / float64(total)
}
