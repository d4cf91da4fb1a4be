package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain/models"
)

const (
	defaultFlushSize    = 50
	defaultFlushTimeout = 15 * time.Second
)

// Ingester is the part of Client the listener needs.
type Ingester interface {
	Ingest(ctx context.Context, events []IngestionEvent) error
}

// Listener turns each run into a tracker trace. Validation decisions become
// boolean scores, training evaluations a pass-rate score, and the finished
// run updates the trace with its status and final prompt. Events are
// buffered per run and flushed in batches.
type Listener struct {
	ingester  Ingester
	logger    *zap.Logger
	flushSize int
	tags      []string

	mu      sync.Mutex
	pending map[string][]IngestionEvent
}

func NewListener(ingester Ingester, logger *zap.Logger, tags ...string) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		ingester:  ingester,
		logger:    logger,
		flushSize: defaultFlushSize,
		tags:      tags,
		pending:   make(map[string][]IngestionEvent),
	}
}

func (l *Listener) OnEvent(ctx context.Context, e models.Event) error {
	items := l.translate(e)
	if len(items) == 0 {
		return nil
	}

	l.mu.Lock()
	l.pending[e.RunID] = append(l.pending[e.RunID], items...)
	var batch []IngestionEvent
	if e.Type == models.EventRunCompleted || len(l.pending[e.RunID]) >= l.flushSize {
		batch = l.pending[e.RunID]
		delete(l.pending, e.RunID)
	}
	l.mu.Unlock()

	if batch != nil {
		l.flush(ctx, e.RunID, batch)
	}
	return nil
}

func (l *Listener) flush(ctx context.Context, runID string, batch []IngestionEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFlushTimeout)
	defer cancel()
	if err := l.ingester.Ingest(ctx, batch); err != nil {
		l.logger.Warn("failed to report run to tracker",
			zap.String("run_id", runID),
			zap.Int("events", len(batch)),
			zap.Error(err))
	}
}

func (l *Listener) translate(e models.Event) []IngestionEvent {
	ts := e.Timestamp.UTC()
	item := func(suffix, typ string, body any) IngestionEvent {
		return IngestionEvent{ID: e.ID + "-" + suffix, Type: typ, Timestamp: ts, Body: body}
	}

	switch e.Type {
	case models.EventRunStarted:
		return []IngestionEvent{item("trace", "trace-create", TraceBody{
			ID:        e.RunID,
			Name:      "prompt-optimization",
			Input:     e.Prompt,
			Metadata:  map[string]any{"prompt_version": e.PromptVersion},
			Tags:      l.tags,
			Timestamp: ts,
		})}

	case models.EventEvaluationCompleted:
		if e.Summary == nil {
			return nil
		}
		return []IngestionEvent{item("score", "score-create", ScoreBody{
			ID:       e.ID,
			TraceID:  e.RunID,
			Name:     "train_pass_rate",
			Value:    e.Summary.PassRate(),
			DataType: ScoreNumeric,
			Comment:  fmt.Sprintf("prompt v%d: %d/%d passing", e.PromptVersion, e.Summary.Passed, e.Summary.Total),
		})}

	case models.EventValidationAccepted, models.EventValidationRejected:
		value := 0
		if e.Type == models.EventValidationAccepted {
			value = 1
		}
		comment := e.Reason
		if e.Patch != nil {
			comment = fmt.Sprintf("%s | %s", e.Patch.String(), e.Reason)
		}
		return []IngestionEvent{item("score", "score-create", ScoreBody{
			ID:       e.ID,
			TraceID:  e.RunID,
			Name:     "validation_accepted",
			Value:    value,
			DataType: ScoreBoolean,
			Comment:  comment,
		})}

	case models.EventExampleUnresolved:
		return []IngestionEvent{item("score", "score-create", ScoreBody{
			ID:       e.ID,
			TraceID:  e.RunID,
			Name:     "example_unresolved",
			Value:    e.ExampleID,
			DataType: ScoreCategorical,
			Comment:  e.Reason,
		})}

	case models.EventRunCompleted:
		return []IngestionEvent{
			item("trace", "trace-create", TraceBody{
				ID:     e.RunID,
				Output: e.Prompt,
				Metadata: map[string]any{
					"status":         string(e.Status),
					"prompt_version": e.PromptVersion,
					"iterations":     e.Iteration,
					"reason":         e.Reason,
				},
				Timestamp: ts,
			}),
			item("status", "score-create", ScoreBody{
				ID:       e.ID,
				TraceID:  e.RunID,
				Name:     "run_status",
				Value:    string(e.Status),
				DataType: ScoreCategorical,
			}),
		}
	}
	return nil
}
