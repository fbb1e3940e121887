package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"wandererkills/pkg/errs"
)

// ErrorEnvelope is the wire shape of every HTTP error response.
type ErrorEnvelope struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// StatusFor maps an internal error kind to an HTTP status code.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.Upstream, errs.Timeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError encodes err into the standard envelope with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	envelope := ErrorEnvelope{
		Error:     err.Error(),
		Code:      string(errs.KindOf(err)),
		Timestamp: time.Now().UTC(),
	}
	if e, ok := err.(*errs.Error); ok {
		envelope.Error = e.Message
		envelope.Details = e.Context
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(err))
	if encErr := json.NewEncoder(w).Encode(envelope); encErr != nil {
		slog.Error("Failed to encode error response", "error", encErr)
	}
}

// JSONResponse sends a JSON response with the given data and status code.
func JSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
