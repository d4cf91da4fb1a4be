package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/longregen/promptloop/internal/adapters/http/dto"
	"github.com/longregen/promptloop/internal/adapters/http/encoding"
	"github.com/longregen/promptloop/internal/domain"
)

// respond writes data as JSON or MessagePack, following the Accept header
func respond(w http.ResponseWriter, r *http.Request, data any, status int) {
	_ = encoding.Respond(w, r, status, data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, r *http.Request, errorType string, message string, status int) {
	respond(w, r, dto.NewErrorResponse(errorType, message, status), status)
}

// respondDomainError maps a service error onto an HTTP status.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrNotFound):
		respondError(w, r, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrRunNotActive):
		respondError(w, r, "run_not_active", err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidPrompt),
		errors.Is(err, domain.ErrInvalidPatch),
		errors.Is(err, domain.ErrUnknownBlock),
		errors.Is(err, domain.ErrDuplicateBlock),
		errors.Is(err, domain.ErrEmptyContent):
		respondError(w, r, "validation_error", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnknownStrategy):
		respondError(w, r, "unknown_strategy", err.Error(), http.StatusBadRequest)
	default:
		respondError(w, r, "service_error", "internal error", http.StatusInternalServerError)
	}
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// validateURLParam validates and returns a URL parameter
func validateURLParam(w http.ResponseWriter, r *http.Request, paramName, errorField string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, r, "invalid_request", errorField+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

// decodeBody decodes a JSON or MessagePack request body
func decodeBody[T any](w http.ResponseWriter, r *http.Request) (*T, bool) {
	var req T
	if err := encoding.ReadBody(w, r, &req); err != nil {
		respondError(w, r, "invalid_request", "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
