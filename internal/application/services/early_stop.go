package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// EarlyStopConfig holds the stop conditions. Zero disables a condition.
type EarlyStopConfig struct {
	// MaxConsecutiveRejections stops a run after this many rejected
	// candidates in a row
	MaxConsecutiveRejections int `json:"max_consecutive_rejections"`

	// TargetPassRate stops a run once the training pass rate reaches it
	TargetPassRate float64 `json:"target_pass_rate"`
}

// Enabled reports whether any condition is set.
func (c EarlyStopConfig) Enabled() bool {
	return c.MaxConsecutiveRejections > 0 || c.TargetPassRate > 0
}

// EarlyStopper is a listener that asks runs to stop. It keeps state per run
// and may be shared between runs.
type EarlyStopper struct {
	config EarlyStopConfig

	mu         sync.Mutex
	rejections map[string]int
}

var (
	_ ports.ValidationRejectedListener = (*EarlyStopper)(nil)
	_ ports.CommitListener             = (*EarlyStopper)(nil)
	_ ports.EvaluationListener         = (*EarlyStopper)(nil)
	_ ports.RunEndListener             = (*EarlyStopper)(nil)
)

func NewEarlyStopper(config EarlyStopConfig) *EarlyStopper {
	return &EarlyStopper{config: config, rejections: make(map[string]int)}
}

func (s *EarlyStopper) OnValidationRejected(_ context.Context, e models.Event) error {
	if s.config.MaxConsecutiveRejections <= 0 {
		return nil
	}
	s.mu.Lock()
	s.rejections[e.RunID]++
	n := s.rejections[e.RunID]
	s.mu.Unlock()

	if n >= s.config.MaxConsecutiveRejections {
		return domain.NewDomainError(domain.ErrStopRequested,
			fmt.Sprintf("%d consecutive rejections", n))
	}
	return nil
}

func (s *EarlyStopper) OnCommit(_ context.Context, e models.Event) error {
	s.mu.Lock()
	delete(s.rejections, e.RunID)
	s.mu.Unlock()
	return nil
}

func (s *EarlyStopper) OnEvaluationComplete(_ context.Context, e models.Event) error {
	if s.config.TargetPassRate <= 0 || e.Summary == nil {
		return nil
	}
	if rate := e.Summary.PassRate(); rate >= s.config.TargetPassRate {
		return domain.NewDomainError(domain.ErrStopRequested,
			fmt.Sprintf("pass rate %.2f reached target %.2f", rate, s.config.TargetPassRate))
	}
	return nil
}

func (s *EarlyStopper) OnRunComplete(_ context.Context, e models.Event) error {
	s.mu.Lock()
	delete(s.rejections, e.RunID)
	s.mu.Unlock()
	return nil
}
