package models

import (
	"sync"
	"time"
)

// AttemptOutcome is how a refinement attempt ended.
type AttemptOutcome string

const (
	AttemptNoPatch      AttemptOutcome = "no_patch"
	AttemptUnknownBlock AttemptOutcome = "unknown_block"
	AttemptInvalidPatch AttemptOutcome = "invalid_patch"
	AttemptRejected     AttemptOutcome = "rejected"
	AttemptAccepted     AttemptOutcome = "accepted"
	AttemptCancelled    AttemptOutcome = "cancelled"
)

// AttemptRecord is one refine/merge/validate attempt for one example.
type AttemptRecord struct {
	ExampleID     string         `json:"example_id" msgpack:"example_id"`
	Attempt       int            `json:"attempt" msgpack:"attempt"`
	PromptVersion int            `json:"prompt_version" msgpack:"prompt_version"`
	Prediction    Prediction     `json:"prediction" msgpack:"prediction"`
	Passed        bool           `json:"passed" msgpack:"passed"`
	Patch         *PromptPatch   `json:"patch,omitempty" msgpack:"patch,omitempty"`
	Outcome       AttemptOutcome `json:"outcome" msgpack:"outcome"`
	Reason        string         `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// History is the append-only attempt log of one run, keyed by example.
type History struct {
	mu      sync.RWMutex
	records map[string][]AttemptRecord
}

func NewHistory() *History {
	return &History{records: make(map[string][]AttemptRecord)}
}

// Append adds a record. Records are never modified or removed.
func (h *History) Append(rec AttemptRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.ExampleID] = append(h.records[rec.ExampleID], rec)
}

// For returns a copy of the records for one example, oldest first.
func (h *History) For(exampleID string) []AttemptRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs := h.records[exampleID]
	out := make([]AttemptRecord, len(recs))
	copy(out, recs)
	return out
}

// Len returns the total number of records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, recs := range h.records {
		n += len(recs)
	}
	return n
}

// RejectedPatches returns the patches from attempts that did not get accepted.
func RejectedPatches(records []AttemptRecord) []AttemptRecord {
	var out []AttemptRecord
	for _, r := range records {
		if r.Patch != nil && r.Outcome != AttemptAccepted {
			out = append(out, r)
		}
	}
	return out
}
