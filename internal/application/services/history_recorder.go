package services

import (
	"context"
	"sync"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// HistoryRecorder keeps every event it sees in memory, grouped by run.
type HistoryRecorder struct {
	mu     sync.RWMutex
	events map[string][]models.Event
}

var _ ports.EventListener = (*HistoryRecorder)(nil)

func NewHistoryRecorder() *HistoryRecorder {
	return &HistoryRecorder{events: make(map[string][]models.Event)}
}

func (h *HistoryRecorder) OnEvent(_ context.Context, e models.Event) error {
	h.mu.Lock()
	h.events[e.RunID] = append(h.events[e.RunID], e)
	h.mu.Unlock()
	return nil
}

// Events returns a copy of a run's events in emission order.
func (h *HistoryRecorder) Events(runID string) []models.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Event, len(h.events[runID]))
	copy(out, h.events[runID])
	return out
}

// Filter returns a run's events of the given types.
func (h *HistoryRecorder) Filter(runID string, types ...models.EventType) []models.Event {
	want := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []models.Event
	for _, e := range h.Events(runID) {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// Forget drops a run's events.
func (h *HistoryRecorder) Forget(runID string) {
	h.mu.Lock()
	delete(h.events, runID)
	h.mu.Unlock()
}
