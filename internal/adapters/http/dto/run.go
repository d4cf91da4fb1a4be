package dto

import (
	"time"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// CreateRunRequest starts an optimization run. The prompt is given either as
// serialized text or as explicit blocks.
type CreateRunRequest struct {
	Prompt        string                  `json:"prompt,omitempty"`
	Blocks        []models.Block          `json:"blocks,omitempty"`
	TrainSet      []models.LabeledExample `json:"train_set"`
	ValidationSet []models.LabeledExample `json:"validation_set,omitempty"`
	Strategies    ports.StrategySelection `json:"strategies"`
	Config        map[string]any          `json:"config,omitempty"`
}

// ToRunRequest parses the prompt against schema. Examples without an ID get
// one from newID.
func (r *CreateRunRequest) ToRunRequest(schema models.Schema, newID func() string) (ports.RunRequest, error) {
	var (
		prompt models.Prompt
		err    error
	)
	switch {
	case r.Prompt != "" && len(r.Blocks) > 0:
		return ports.RunRequest{}, domain.NewDomainError(domain.ErrInvalidInput, "give either prompt or blocks, not both")
	case r.Prompt != "":
		prompt, err = models.ParsePrompt(r.Prompt, schema)
	case len(r.Blocks) > 0:
		prompt, err = models.NewPrompt(schema, r.Blocks...)
	default:
		return ports.RunRequest{}, domain.NewDomainError(domain.ErrInvalidPrompt, "prompt is required")
	}
	if err != nil {
		return ports.RunRequest{}, err
	}

	return ports.RunRequest{
		Prompt:        prompt,
		TrainSet:      assignIDs(r.TrainSet, newID),
		ValidationSet: assignIDs(r.ValidationSet, newID),
		Strategies:    r.Strategies,
		Config:        r.Config,
	}, nil
}

func assignIDs(examples []models.LabeledExample, newID func() string) []models.LabeledExample {
	if len(examples) == 0 {
		return nil
	}
	out := make([]models.LabeledExample, len(examples))
	copy(out, examples)
	for i := range out {
		if out[i].ID == "" && newID != nil {
			out[i].ID = newID()
		}
	}
	return out
}

// RunResponse is a run record in API responses.
type RunResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	InitialPrompt string         `json:"initial_prompt"`
	FinalPrompt   string         `json:"final_prompt,omitempty"`
	PromptVersion int            `json:"prompt_version"`
	Iterations    int            `json:"iterations"`
	Passed        int            `json:"passed"`
	Unresolved    int            `json:"unresolved"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	CompletedAt   *string        `json:"completed_at,omitempty"`
}

func NewRunResponse(run *models.OptimizationRun) RunResponse {
	resp := RunResponse{
		ID:            run.ID,
		Status:        string(run.Status),
		Config:        run.Config,
		InitialPrompt: run.InitialPrompt,
		FinalPrompt:   run.FinalPrompt,
		PromptVersion: run.PromptVersion,
		Iterations:    run.Iterations,
		Passed:        run.Passed,
		Unresolved:    run.Unresolved,
		Error:         run.Error,
		CreatedAt:     run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     run.UpdatedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		completed := run.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}

type RunListResponse struct {
	Runs   []RunResponse `json:"runs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type EventListResponse struct {
	RunID  string         `json:"run_id"`
	Events []models.Event `json:"events"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}
