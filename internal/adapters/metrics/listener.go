package metrics

import (
	"context"

	"github.com/longregen/promptloop/internal/adapters/circuitbreaker"
	"github.com/longregen/promptloop/internal/domain/models"
)

// Listener records optimization events as prometheus metrics.
type Listener struct{}

func NewListener() *Listener {
	return &Listener{}
}

func (l *Listener) OnEvent(_ context.Context, e models.Event) error {
	EventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case models.EventRunStarted:
		RunsActive.Inc()
	case models.EventEvaluationCompleted:
		if e.Summary != nil {
			TrainPassRate.WithLabelValues(e.RunID).Set(e.Summary.PassRate())
		}
	case models.EventValidationAccepted, models.EventValidationRejected:
		if e.Validation == nil {
			break
		}
		outcome := "rejected"
		if e.Validation.Accepted {
			outcome = "accepted"
		}
		ValidationsTotal.WithLabelValues(e.Validation.Strategy, outcome).Inc()
		RegressionsTotal.Add(float64(len(e.Validation.Regressions)))
	case models.EventCommitted:
		CommitsTotal.Inc()
	case models.EventExampleUnresolved:
		UnresolvedTotal.Inc()
	case models.EventRunCompleted:
		RunsActive.Dec()
		RunsTotal.WithLabelValues(string(e.Status)).Inc()
		RunIterations.Observe(float64(e.Iteration))
		TrainPassRate.DeleteLabelValues(e.RunID)
	}
	return nil
}

// ObserveBreaker is a circuit breaker state-change callback.
func ObserveBreaker(name string, _, to circuitbreaker.State) {
	LLMCircuitState.WithLabelValues(name).Set(float64(to))
}
