package services

import (
	"context"
	"time"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// AuditRecorder persists every event through an EventRepository.
type AuditRecorder struct {
	repo    ports.EventRepository
	timeout time.Duration
}

var _ ports.EventListener = (*AuditRecorder)(nil)

func NewAuditRecorder(repo ports.EventRepository) *AuditRecorder {
	return &AuditRecorder{repo: repo, timeout: 5 * time.Second}
}

// OnEvent writes with its own deadline so a cancelled run still records its
// final events.
func (a *AuditRecorder) OnEvent(ctx context.Context, e models.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	return a.repo.Append(ctx, e)
}
