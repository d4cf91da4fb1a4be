package models

import "time"

// EventType names a lifecycle hook of the optimization loop.
type EventType string

const (
	EventRunStarted          EventType = "run_started"
	EventEvaluationCompleted EventType = "evaluation_completed"
	EventRefineProposed      EventType = "refine_proposed"
	EventMergeApplied        EventType = "merge_applied"
	EventMergeFailed         EventType = "merge_failed"
	EventValidationAccepted  EventType = "validation_accepted"
	EventValidationRejected  EventType = "validation_rejected"
	EventCommitted           EventType = "committed"
	EventExampleUnresolved   EventType = "example_unresolved"
	EventRunCompleted        EventType = "run_completed"
)

// Event is the payload every listener hook receives. It carries enough to
// reconstruct each decision after the fact.
type Event struct {
	ID            string             `json:"id" msgpack:"id"`
	RunID         string             `json:"run_id" msgpack:"run_id"`
	Type          EventType          `json:"type" msgpack:"type"`
	Phase         Phase              `json:"phase" msgpack:"phase"`
	Timestamp     time.Time          `json:"timestamp" msgpack:"timestamp"`
	PromptVersion int                `json:"prompt_version" msgpack:"prompt_version"`
	Iteration     int                `json:"iteration" msgpack:"iteration"`
	ExampleID     string             `json:"example_id,omitempty" msgpack:"example_id,omitempty"`
	ExampleIDs    []string           `json:"example_ids,omitempty" msgpack:"example_ids,omitempty"`
	Attempt       int                `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
	Patch         *PromptPatch       `json:"patch,omitempty" msgpack:"patch,omitempty"`
	Summary       *EvaluationSummary `json:"summary,omitempty" msgpack:"summary,omitempty"`
	Validation    *ValidationResult  `json:"validation,omitempty" msgpack:"validation,omitempty"`
	Prompt        string             `json:"prompt,omitempty" msgpack:"prompt,omitempty"`
	Status        RunStatus          `json:"status,omitempty" msgpack:"status,omitempty"`
	Reason        string             `json:"reason,omitempty" msgpack:"reason,omitempty"`
}
