package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/adapters/http/dto"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// RunsHandler serves the optimization run endpoints
type RunsHandler struct {
	runs       ports.RunService
	schema     models.Schema
	idGen      ports.IDGenerator
	strategies dto.StrategiesResponse
	logger     *zap.Logger
}

func NewRunsHandler(runs ports.RunService, schema models.Schema, idGen ports.IDGenerator, strategies dto.StrategiesResponse, logger *zap.Logger) *RunsHandler {
	if len(schema) == 0 {
		schema = models.DefaultSchema()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		runs:       runs,
		schema:     schema,
		idGen:      idGen,
		strategies: strategies,
		logger:     logger,
	}
}

// Create handles POST /api/v1/runs. The run continues in the background.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[dto.CreateRunRequest](w, r)
	if !ok {
		return
	}

	var newID func() string
	if h.idGen != nil {
		newID = h.idGen.GenerateExampleID
	}
	runReq, err := req.ToRunRequest(h.schema, newID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	run, err := h.runs.Start(r.Context(), runReq)
	if err != nil {
		h.logger.Info("rejected run request", zap.Error(err))
		respondDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	respond(w, r, dto.NewRunResponse(run), http.StatusAccepted)
}

// List handles GET /api/v1/runs?status=&limit=&offset=
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)
	status := models.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, r, "validation_error", "unknown status "+string(status), http.StatusBadRequest)
		return
	}

	runs, err := h.runs.List(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		respondDomainError(w, r, err)
		return
	}

	resp := dto.RunListResponse{Runs: make([]dto.RunResponse, 0, len(runs)), Limit: limit, Offset: offset}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, dto.NewRunResponse(run))
	}
	respond(w, r, resp, http.StatusOK)
}

// Get handles GET /api/v1/runs/{id}
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := validateURLParam(w, r, "id", "Run ID")
	if !ok {
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respond(w, r, dto.NewRunResponse(run), http.StatusOK)
}

// Events handles GET /api/v1/runs/{id}/events
func (h *RunsHandler) Events(w http.ResponseWriter, r *http.Request) {
	runID, ok := validateURLParam(w, r, "id", "Run ID")
	if !ok {
		return
	}
	limit := parseIntQuery(r, "limit", 500)
	offset := parseIntQuery(r, "offset", 0)

	events, err := h.runs.Events(r.Context(), runID, limit, offset)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	respond(w, r, dto.EventListResponse{RunID: runID, Events: events, Limit: limit, Offset: offset}, http.StatusOK)
}

// Cancel handles POST /api/v1/runs/{id}/cancel
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := validateURLParam(w, r, "id", "Run ID")
	if !ok {
		return
	}

	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	h.logger.Info("run cancellation requested", zap.String("run_id", runID))
	respond(w, r, map[string]string{"id": runID, "status": "cancelling"}, http.StatusAccepted)
}

// Strategies handles GET /api/v1/strategies
func (h *RunsHandler) Strategies(w http.ResponseWriter, r *http.Request) {
	respond(w, r, h.strategies, http.StatusOK)
}
