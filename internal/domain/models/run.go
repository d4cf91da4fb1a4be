package models

import (
	"time"
)

// RunStatus is the terminal or current status of an optimization run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusCancelled    RunStatus = "cancelled"
	RunStatusStopped      RunStatus = "stopped"
	RunStatusIterationCap RunStatus = "iteration_cap"
	RunStatusFailed       RunStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusCancelled,
		RunStatusStopped, RunStatusIterationCap, RunStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further progress will happen.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// OutcomeStatus is the final state of one example.
type OutcomeStatus string

const (
	OutcomePassed     OutcomeStatus = "passed"
	OutcomeUnresolved OutcomeStatus = "unresolved"
)

// ExampleOutcome is reported for every training example, resolved or not.
type ExampleOutcome struct {
	ExampleID  string        `json:"example_id" msgpack:"example_id"`
	Status     OutcomeStatus `json:"status" msgpack:"status"`
	Reason     string        `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Attempts   int           `json:"attempts" msgpack:"attempts"`
	LastOutput string        `json:"last_output,omitempty" msgpack:"last_output,omitempty"`
}

// RunResult is what a run hands back: the accepted prompt, every example's
// outcome and the audit trail.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Status     RunStatus        `json:"status"`
	Prompt     Prompt           `json:"prompt"`
	Outcomes   []ExampleOutcome `json:"outcomes"`
	Iterations int              `json:"iterations"`
	Commits    int              `json:"commits"`
	Trail      []Event          `json:"trail,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Passed counts resolved examples.
func (r *RunResult) Passed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == OutcomePassed {
			n++
		}
	}
	return n
}

// Unresolved returns the outcomes that did not pass.
func (r *RunResult) Unresolved() []ExampleOutcome {
	var out []ExampleOutcome
	for _, o := range r.Outcomes {
		if o.Status != OutcomePassed {
			out = append(out, o)
		}
	}
	return out
}

// OptimizationRun is the persisted record of a run.
type OptimizationRun struct {
	ID            string         `json:"id"`
	Status        RunStatus      `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	InitialPrompt string         `json:"initial_prompt"`
	FinalPrompt   string         `json:"final_prompt,omitempty"`
	PromptVersion int            `json:"prompt_version"`
	Iterations    int            `json:"iterations"`
	Passed        int            `json:"passed"`
	Unresolved    int            `json:"unresolved"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

func NewOptimizationRun(id string, initial Prompt, config map[string]any) *OptimizationRun {
	now := time.Now().UTC()
	if config == nil {
		config = make(map[string]any)
	}
	return &OptimizationRun{
		ID:            id,
		Status:        RunStatusRunning,
		Config:        config,
		InitialPrompt: initial.Serialize(),
		PromptVersion: initial.Version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Finish copies a result onto the record.
func (r *OptimizationRun) Finish(result *RunResult) {
	now := time.Now().UTC()
	r.Status = result.Status
	r.FinalPrompt = result.Prompt.Serialize()
	r.PromptVersion = result.Prompt.Version
	r.Iterations = result.Iterations
	r.Passed = result.Passed()
	r.Unresolved = len(result.Outcomes) - r.Passed
	r.CompletedAt = &now
	r.UpdatedAt = now
}

func (r *OptimizationRun) MarkFailed(err error) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	if err != nil {
		r.Error = err.Error()
	}
	r.CompletedAt = &now
	r.UpdatedAt = now
}
