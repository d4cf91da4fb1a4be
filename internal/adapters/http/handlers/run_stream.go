package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

const (
	streamHistoryLimit = 5000
	streamReadLimit    = 512
)

// RunStreamHandler upgrades GET /api/v1/runs/{id}/stream to a websocket that
// replays the run's stored events and then follows it live. Frames are
// MessagePack encoded events; the server closes the socket once the run
// completes.
type RunStreamHandler struct {
	runs        ports.RunService
	broadcaster *RunBroadcaster
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func NewRunStreamHandler(runs ports.RunService, broadcaster *RunBroadcaster, allowedOrigins []string, logger *zap.Logger) *RunStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStreamHandler{
		runs:        runs,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func (h *RunStreamHandler) Handle(w http.ResponseWriter, r *http.Request) {
	runID, ok := validateURLParam(w, r, "id", "Run ID")
	if !ok {
		return
	}
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	client := h.broadcaster.Subscribe(runID, conn)
	defer h.broadcaster.Unsubscribe(runID, client)

	finished := run.Status.Terminal()
	history, err := h.runs.Events(r.Context(), runID, streamHistoryLimit, 0)
	if err != nil {
		h.logger.Debug("no stored events to replay", zap.String("run_id", runID), zap.Error(err))
	}
	for _, e := range history {
		if err := client.Send(e, defaultWriteTimeout); err != nil {
			return
		}
		if e.Type == models.EventRunCompleted {
			finished = true
		}
	}
	if finished {
		client.Close(websocket.CloseNormalClosure, "run completed", defaultWriteTimeout)
		_ = conn.SetReadDeadline(time.Now().Add(defaultWriteTimeout))
	}

	conn.SetReadLimit(streamReadLimit)
	for {
		// clients only send control frames; a read error means the socket is gone
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
