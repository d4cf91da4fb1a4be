package models

import (
	"fmt"
	"sort"

	"github.com/longregen/promptloop/internal/domain"
)

// Phase is a state of the optimization loop.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseEvaluating  Phase = "evaluating"
	PhaseRefining    Phase = "refining"
	PhaseMerging     Phase = "merging"
	PhaseValidating  Phase = "validating"
	PhaseCommitting  Phase = "committing"
	PhaseBudgetCheck Phase = "budget_check"
	PhaseDone        Phase = "done"
)

// PhaseTransition is an edge of the loop's state machine.
type PhaseTransition struct {
	From Phase
	To   Phase
}

var validPhaseTransitions = map[PhaseTransition]bool{
	{PhaseIdle, PhaseEvaluating}: true,
	{PhaseIdle, PhaseDone}:       true,

	{PhaseEvaluating, PhaseDone}:     true,
	{PhaseEvaluating, PhaseRefining}: true,

	{PhaseRefining, PhaseMerging}:     true,
	{PhaseRefining, PhaseBudgetCheck}: true,
	{PhaseRefining, PhaseDone}:        true,

	// a batch keeps merging proposals onto one candidate
	{PhaseMerging, PhaseMerging}:     true,
	{PhaseMerging, PhaseValidating}:  true,
	{PhaseMerging, PhaseBudgetCheck}: true,

	{PhaseValidating, PhaseCommitting}:  true,
	{PhaseValidating, PhaseBudgetCheck}: true,
	{PhaseValidating, PhaseDone}:        true,

	{PhaseCommitting, PhaseEvaluating}:  true,
	{PhaseCommitting, PhaseBudgetCheck}: true,

	{PhaseBudgetCheck, PhaseRefining}:   true,
	{PhaseBudgetCheck, PhaseMerging}:    true,
	{PhaseBudgetCheck, PhaseEvaluating}: true,
	{PhaseBudgetCheck, PhaseDone}:       true,
}

// ValidatePhaseTransition returns an error wrapping ErrInvalidTransition for
// edges outside the state machine.
func ValidatePhaseTransition(from, to Phase) error {
	if from == to && from != PhaseMerging {
		return nil
	}
	if !validPhaseTransitions[PhaseTransition{From: from, To: to}] {
		return domain.NewDomainError(domain.ErrInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
	}
	return nil
}

// ExampleStatus is where an example stands in a run.
type ExampleStatus string

const (
	ExamplePending    ExampleStatus = "pending"
	ExampleFailing    ExampleStatus = "failing"
	ExamplePassed     ExampleStatus = "passed"
	ExampleUnresolved ExampleStatus = "unresolved"
)

// ExampleState tracks one training example across the run.
type ExampleState struct {
	Example    LabeledExample
	Status     ExampleStatus
	Attempts   int
	Individual bool // retry alone after a rejected batch
	LastResult *EvaluationResult
	Reason     string
}

// OptimizationState is owned by the optimizer and changes only at commit
// points or when an example's budget runs out.
type OptimizationState struct {
	Phase      Phase
	Current    Prompt
	Iterations int

	order    []string
	examples map[string]*ExampleState
}

// NewOptimizationState starts a run at the given prompt.
func NewOptimizationState(initial Prompt, examples []LabeledExample) *OptimizationState {
	s := &OptimizationState{
		Phase:    PhaseIdle,
		Current:  initial.Clone(),
		order:    make([]string, 0, len(examples)),
		examples: make(map[string]*ExampleState, len(examples)),
	}
	for _, ex := range examples {
		s.order = append(s.order, ex.ID)
		s.examples[ex.ID] = &ExampleState{Example: ex, Status: ExamplePending}
	}
	return s
}

// Transition moves to the next phase.
func (s *OptimizationState) Transition(to Phase) error {
	if err := ValidatePhaseTransition(s.Phase, to); err != nil {
		return err
	}
	s.Phase = to
	return nil
}

// Commit installs an accepted candidate as the next version.
func (s *OptimizationState) Commit(candidate Prompt) Prompt {
	next := candidate.Clone()
	next.Version = s.Current.Version + 1
	s.Current = next
	return next
}

// Example returns the tracked state of one example.
func (s *OptimizationState) Example(id string) *ExampleState {
	return s.examples[id]
}

// Examples returns all example states in dataset order.
func (s *OptimizationState) Examples() []*ExampleState {
	out := make([]*ExampleState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.examples[id])
	}
	return out
}

// ApplyEvaluation records a full evaluation pass. Unresolved examples stay
// unresolved; everything else follows the latest result.
func (s *OptimizationState) ApplyEvaluation(results []EvaluationResult) {
	for i := range results {
		r := results[i]
		es, ok := s.examples[r.Example.ID]
		if !ok {
			continue
		}
		es.LastResult = &r
		if es.Status == ExampleUnresolved {
			continue
		}
		if r.Passed {
			es.Status = ExamplePassed
			es.Individual = false
		} else {
			es.Status = ExampleFailing
		}
	}
}

// Failing returns failing examples that still have budget, in dataset order.
func (s *OptimizationState) Failing() []*ExampleState {
	var out []*ExampleState
	for _, id := range s.order {
		if es := s.examples[id]; es.Status == ExampleFailing {
			out = append(out, es)
		}
	}
	return out
}

// MarkUnresolved takes an example out of the loop for good.
func (s *OptimizationState) MarkUnresolved(id, reason string) {
	if es, ok := s.examples[id]; ok {
		es.Status = ExampleUnresolved
		es.Reason = reason
	}
}

// MarkPassed resolves an example outside a full evaluation pass.
func (s *OptimizationState) MarkPassed(r EvaluationResult) {
	if es, ok := s.examples[r.Example.ID]; ok && es.Status != ExampleUnresolved {
		es.Status = ExamplePassed
		es.Individual = false
		es.LastResult = &r
	}
}

// Outcomes reports every example, in dataset order.
func (s *OptimizationState) Outcomes(pendingReason string) []ExampleOutcome {
	out := make([]ExampleOutcome, 0, len(s.order))
	for _, id := range s.order {
		es := s.examples[id]
		o := ExampleOutcome{ExampleID: id, Attempts: es.Attempts, Reason: es.Reason}
		switch es.Status {
		case ExamplePassed:
			o.Status = OutcomePassed
			o.Reason = ""
		case ExampleUnresolved:
			o.Status = OutcomeUnresolved
		default:
			o.Status = OutcomeUnresolved
			if o.Reason == "" || es.Status == ExamplePending {
				o.Reason = pendingReason
			}
		}
		if es.LastResult != nil {
			o.LastOutput = es.LastResult.Prediction.Output
		}
		out = append(out, o)
	}
	return out
}

// SortedIDs returns ids sorted, for stable logging.
func SortedIDs(states []*ExampleState) []string {
	ids := make([]string, len(states))
	for i, es := range states {
		ids[i] = es.Example.ID
	}
	sort.Strings(ids)
	return ids
}
