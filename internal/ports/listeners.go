package ports

import (
	"context"

	"github.com/longregen/promptloop/internal/domain/models"
)

// Listeners implement any subset of the hook interfaces below; the optimizer
// calls only the hooks a listener has. A hook returning an error that wraps
// domain.ErrStopRequested asks the run to stop at the next safe boundary.

type RunStartListener interface {
	OnRunStart(ctx context.Context, e models.Event) error
}

type EvaluationListener interface {
	OnEvaluationComplete(ctx context.Context, e models.Event) error
}

type RefineListener interface {
	OnRefineProposed(ctx context.Context, e models.Event) error
}

type MergeListener interface {
	OnMergeApplied(ctx context.Context, e models.Event) error
}

type MergeFailureListener interface {
	OnMergeFailed(ctx context.Context, e models.Event) error
}

type ValidationAcceptedListener interface {
	OnValidationAccepted(ctx context.Context, e models.Event) error
}

type ValidationRejectedListener interface {
	OnValidationRejected(ctx context.Context, e models.Event) error
}

type CommitListener interface {
	OnCommit(ctx context.Context, e models.Event) error
}

type UnresolvedListener interface {
	OnExampleUnresolved(ctx context.Context, e models.Event) error
}

type RunEndListener interface {
	OnRunComplete(ctx context.Context, e models.Event) error
}

// EventListener receives every event regardless of type.
type EventListener interface {
	OnEvent(ctx context.Context, e models.Event) error
}

// EventBroadcaster pushes run events to live clients (websocket).
type EventBroadcaster interface {
	BroadcastEvent(runID string, e models.Event)
}
