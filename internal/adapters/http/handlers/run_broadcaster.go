package handlers

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

const defaultWriteTimeout = 10 * time.Second

// StreamClient is one websocket subscribed to a run. Writes are serialized
// and each event is sent at most once, so history replay and live events
// may overlap.
type StreamClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	sent   map[string]struct{}
	closed bool
}

// Send writes e as a binary MessagePack frame.
func (c *StreamClient) Send(e models.Event, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if e.ID != "" {
		if _, dup := c.sent[e.ID]; dup {
			return nil
		}
	}

	data, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	if e.ID != "" {
		c.sent[e.ID] = struct{}{}
	}
	return nil
}

// Close sends a close frame once; later sends are dropped.
func (c *StreamClient) Close(code int, reason string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
}

func (c *StreamClient) detach() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// RunBroadcaster pushes run events to the websockets subscribed to each run.
// The run service calls BroadcastEvent for every event it emits.
type RunBroadcaster struct {
	mu           sync.RWMutex
	clients      map[string]map[*StreamClient]struct{}
	writeTimeout time.Duration
	logger       *zap.Logger
}

var _ ports.EventBroadcaster = (*RunBroadcaster)(nil)

func NewRunBroadcaster(logger *zap.Logger) *RunBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunBroadcaster{
		clients:      make(map[string]map[*StreamClient]struct{}),
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

func (b *RunBroadcaster) Subscribe(runID string, conn *websocket.Conn) *StreamClient {
	client := &StreamClient{conn: conn, sent: make(map[string]struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[runID] == nil {
		b.clients[runID] = make(map[*StreamClient]struct{})
	}
	b.clients[runID][client] = struct{}{}
	b.logger.Debug("websocket subscribed to run",
		zap.String("run_id", runID),
		zap.Int("subscribers", len(b.clients[runID])))
	return client
}

func (b *RunBroadcaster) Unsubscribe(runID string, client *StreamClient) {
	b.mu.Lock()
	if clients, ok := b.clients[runID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(b.clients, runID)
		}
	}
	b.mu.Unlock()
	client.detach()
}

// BroadcastEvent sends e to every subscriber of runID. Subscribers that fail
// a write are dropped. After run_completed every subscriber is closed.
func (b *RunBroadcaster) BroadcastEvent(runID string, e models.Event) {
	b.mu.RLock()
	targets := make([]*StreamClient, 0, len(b.clients[runID]))
	for client := range b.clients[runID] {
		targets = append(targets, client)
	}
	b.mu.RUnlock()

	for _, client := range targets {
		if err := client.Send(e, b.writeTimeout); err != nil {
			b.logger.Debug("dropping websocket subscriber", zap.String("run_id", runID), zap.Error(err))
			b.Unsubscribe(runID, client)
			_ = client.conn.Close()
		}
	}

	if e.Type == models.EventRunCompleted {
		b.closeRun(runID)
	}
}

func (b *RunBroadcaster) closeRun(runID string) {
	b.mu.Lock()
	clients := b.clients[runID]
	delete(b.clients, runID)
	b.mu.Unlock()

	for client := range clients {
		client.Close(websocket.CloseNormalClosure, "run completed", b.writeTimeout)
	}
}

func (b *RunBroadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[runID])
}
