package services

import (
	"context"
	"sync"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// EventPublisher fans run events out to in-process subscribers and an
// optional live broadcaster. It is a listener the run service attaches to
// every run.
type EventPublisher struct {
	channels map[string][]chan models.Event
	mu       sync.RWMutex

	broadcaster ports.EventBroadcaster
}

var _ ports.EventListener = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher; broadcaster may be nil.
func NewEventPublisher(broadcaster ports.EventBroadcaster) *EventPublisher {
	return &EventPublisher{
		channels:    make(map[string][]chan models.Event),
		broadcaster: broadcaster,
	}
}

// Subscribe returns a buffered channel of events for runID. The channel is
// closed when the run completes or the subscriber unsubscribes.
func (p *EventPublisher) Subscribe(runID string) <-chan models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan models.Event, 100)
	p.channels[runID] = append(p.channels[runID], ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (p *EventPublisher) Unsubscribe(runID string, ch <-chan models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := p.channels[runID]
	for i, sub := range channels {
		if sub == ch {
			p.channels[runID] = append(channels[:i], channels[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.channels[runID]) == 0 {
		delete(p.channels, runID)
	}
}

// OnEvent publishes without blocking; a subscriber with a full buffer misses
// the event.
func (p *EventPublisher) OnEvent(_ context.Context, e models.Event) error {
	if p.broadcaster != nil {
		p.broadcaster.BroadcastEvent(e.RunID, e)
	}

	p.mu.RLock()
	for _, ch := range p.channels[e.RunID] {
		select {
		case ch <- e:
		default:
		}
	}
	p.mu.RUnlock()

	if e.Type == models.EventRunCompleted {
		p.Close(e.RunID)
	}
	return nil
}

// Close closes every subscriber channel of a run.
func (p *EventPublisher) Close(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.channels[runID] {
		close(ch)
	}
	delete(p.channels, runID)
}

// SubscriberCount returns the number of active subscribers for a run
func (p *EventPublisher) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[runID])
}
