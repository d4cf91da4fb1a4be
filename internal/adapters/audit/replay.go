package audit

import (
	"fmt"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
)

// RunIDs lists the distinct run ids in events, in first-seen order.
func RunIDs(events []models.Event) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range events {
		if _, ok := seen[e.RunID]; ok || e.RunID == "" {
			continue
		}
		seen[e.RunID] = struct{}{}
		ids = append(ids, e.RunID)
	}
	return ids
}

// RunFromEvents rebuilds a run record from its trail. The trail must contain
// the run_started event; without run_completed the run stays running.
func RunFromEvents(runID string, events []models.Event) (*models.OptimizationRun, error) {
	var run *models.OptimizationRun
	for _, e := range events {
		if e.RunID != runID {
			continue
		}
		if e.Type == models.EventRunStarted {
			run = &models.OptimizationRun{
				ID:            runID,
				Status:        models.RunStatusRunning,
				Config:        map[string]any{"source": "audit_import"},
				InitialPrompt: e.Prompt,
				PromptVersion: e.PromptVersion,
				CreatedAt:     e.Timestamp,
				UpdatedAt:     e.Timestamp,
			}
			continue
		}
		if run == nil {
			continue
		}

		run.UpdatedAt = e.Timestamp
		run.PromptVersion = e.PromptVersion
		run.Iterations = e.Iteration
		if e.Type == models.EventRunCompleted {
			completed := e.Timestamp
			run.Status = e.Status
			run.FinalPrompt = e.Prompt
			run.Error = e.Reason
			run.CompletedAt = &completed
			if e.Summary != nil {
				run.Passed = e.Summary.Passed
				run.Unresolved = e.Summary.Total - e.Summary.Passed
			}
		}
	}

	if run == nil {
		return nil, domain.NewDomainError(domain.ErrNotFound, fmt.Sprintf("no run_started event for %s", runID))
	}
	return run, nil
}
