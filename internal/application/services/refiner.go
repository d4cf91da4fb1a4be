package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

// Refiner asks a structured predictor for one patch per failing example.
type Refiner struct {
	predictor ports.Predictor
	schema    models.Schema
	logger    *zap.Logger
}

var _ ports.Refiner = (*Refiner)(nil)

func NewRefiner(predictor ports.Predictor, schema models.Schema, logger *zap.Logger) *Refiner {
	if len(schema) == 0 {
		schema = models.DefaultSchema()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refiner{predictor: predictor, schema: schema, logger: logger}
}

// Propose returns nil when the model declines, fails or answers with
// something that is not a patch. Only cancellation is returned as an error.
func (r *Refiner) Propose(ctx context.Context, req ports.RefineRequest) (*models.PromptPatch, error) {
	outputs, err := r.predictor.Process(ctx, r.buildInputs(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("refiner call failed",
			zap.String("example_id", req.Example.ID),
			zap.Error(err))
		return nil, nil
	}

	patch, reason := parsePatch(outputs)
	if patch == nil {
		r.logger.Debug("refiner produced no patch",
			zap.String("example_id", req.Example.ID),
			zap.String("reason", reason))
		return nil, nil
	}
	return patch, nil
}

func (r *Refiner) buildInputs(req ports.RefineRequest) map[string]any {
	prediction := req.Prediction.Output
	rationale := req.Prediction.Rationale
	if req.Failure != nil {
		prediction = fmt.Sprintf("<no output: %s>", req.Failure.Kind)
		if rationale == "" {
			rationale = req.Failure.Message
		}
	}
	if rationale == "" {
		rationale = "None"
	}

	return map[string]any{
		prompt.FieldGuidelines:     prompt.RefinerGuidelines(r.schema),
		prompt.FieldPrompt:         req.Prompt.Serialize(),
		prompt.FieldFailingInput:   req.Example.FormatInput(),
		prompt.FieldGoldOutput:     req.Example.Gold,
		prompt.FieldPrediction:     prediction,
		prompt.FieldRationale:      rationale,
		prompt.FieldFailedAttempts: FormatHistory(req.History),
	}
}

// FormatHistory renders the patches already tried for an example so the
// model does not propose them again.
func FormatHistory(records []models.AttemptRecord) string {
	var lines []string
	n := 0
	for _, rec := range records {
		if rec.Patch == nil || rec.Outcome == models.AttemptAccepted {
			continue
		}
		n++
		line := fmt.Sprintf("Failed Attempt %d: %s", n, rec.Patch)
		if rec.Reason != "" {
			line += " (" + rec.Reason + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n")
}

func parsePatch(outputs map[string]any) (*models.PromptPatch, string) {
	get := func(key string) string {
		v, ok := outputs[key]
		if !ok || v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}

	opText := strings.Trim(get(prompt.FieldOperation), "`'\" ")
	if opText == "" || strings.EqualFold(opText, "none") {
		return nil, "model declined"
	}
	op, err := models.ParsePatchOperation(opText)
	if err != nil {
		return nil, err.Error()
	}

	target := strings.Trim(get(prompt.FieldTargetBlock), "`'\" ")
	if target == "" {
		return nil, "no target block"
	}

	return &models.PromptPatch{
		TargetBlock: target,
		Operation:   op,
		Content:     trimFence(get(prompt.FieldContent)),
	}, ""
}

// trimFence strips a surrounding ``` code fence the model sometimes adds.
func trimFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], " ") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}
