package services

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// dispatcher fans events out to listeners by capability and remembers
// whether any of them asked the run to stop.
type dispatcher struct {
	listeners []any
	logger    *zap.Logger
	stop      atomic.Bool
	reason    atomic.Value // string
}

func newDispatcher(listeners []any, logger *zap.Logger) *dispatcher {
	return &dispatcher{listeners: listeners, logger: logger}
}

func (d *dispatcher) emit(ctx context.Context, e models.Event) {
	for _, l := range d.listeners {
		if err := callHook(ctx, l, e); err != nil {
			d.handle(e, err)
		}
		if all, ok := l.(ports.EventListener); ok {
			if err := all.OnEvent(ctx, e); err != nil {
				d.handle(e, err)
			}
		}
	}
}

func (d *dispatcher) handle(e models.Event, err error) {
	if domain.IsStopRequest(err) {
		if d.stop.CompareAndSwap(false, true) {
			d.reason.Store(err.Error())
			d.logger.Info("listener requested stop",
				zap.String("run_id", e.RunID),
				zap.String("event", string(e.Type)),
				zap.Error(err))
		}
		return
	}
	d.logger.Warn("listener failed",
		zap.String("run_id", e.RunID),
		zap.String("event", string(e.Type)),
		zap.Error(err))
}

func (d *dispatcher) stopRequested() bool {
	return d.stop.Load()
}

func (d *dispatcher) stopReason() string {
	if s, ok := d.reason.Load().(string); ok {
		return s
	}
	return ""
}

func callHook(ctx context.Context, l any, e models.Event) error {
	switch e.Type {
	case models.EventRunStarted:
		if h, ok := l.(ports.RunStartListener); ok {
			return h.OnRunStart(ctx, e)
		}
	case models.EventEvaluationCompleted:
		if h, ok := l.(ports.EvaluationListener); ok {
			return h.OnEvaluationComplete(ctx, e)
		}
	case models.EventRefineProposed:
		if h, ok := l.(ports.RefineListener); ok {
			return h.OnRefineProposed(ctx, e)
		}
	case models.EventMergeApplied:
		if h, ok := l.(ports.MergeListener); ok {
			return h.OnMergeApplied(ctx, e)
		}
	case models.EventMergeFailed:
		if h, ok := l.(ports.MergeFailureListener); ok {
			return h.OnMergeFailed(ctx, e)
		}
	case models.EventValidationAccepted:
		if h, ok := l.(ports.ValidationAcceptedListener); ok {
			return h.OnValidationAccepted(ctx, e)
		}
	case models.EventValidationRejected:
		if h, ok := l.(ports.ValidationRejectedListener); ok {
			return h.OnValidationRejected(ctx, e)
		}
	case models.EventCommitted:
		if h, ok := l.(ports.CommitListener); ok {
			return h.OnCommit(ctx, e)
		}
	case models.EventExampleUnresolved:
		if h, ok := l.(ports.UnresolvedListener); ok {
			return h.OnExampleUnresolved(ctx, e)
		}
	case models.EventRunCompleted:
		if h, ok := l.(ports.RunEndListener); ok {
			return h.OnRunComplete(ctx, e)
		}
	}
	return nil
}
