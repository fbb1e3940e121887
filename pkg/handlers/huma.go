package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wandererkills/pkg/errs"
)

// apiError is the huma error model matching the service-wide envelope.
type apiError struct {
	status int

	Message   string         `json:"error" doc:"Human-readable error message"`
	Code      string         `json:"code" doc:"Symbolic error kind"`
	Details   map[string]any `json:"details,omitempty" doc:"Additional error context"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *apiError) Error() string {
	return e.Message
}

func (e *apiError) GetStatus() int {
	return e.status
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(errs.Validation)
	case http.StatusNotFound:
		return string(errs.NotFound)
	case http.StatusTooManyRequests:
		return string(errs.RateLimited)
	case http.StatusServiceUnavailable:
		return string(errs.Upstream)
	default:
		return string(errs.Internal)
	}
}

// InstallHumaErrors replaces huma's default RFC7807 error model with the
// service envelope. Called once at API construction.
func InstallHumaErrors() {
	huma.NewError = func(status int, message string, cause ...error) huma.StatusError {
		out := &apiError{
			status:    status,
			Message:   message,
			Code:      codeForStatus(status),
			Timestamp: time.Now().UTC(),
		}
		for _, c := range cause {
			var e *errs.Error
			if errors.As(c, &e) {
				out.Code = string(e.Kind)
				out.Details = e.Context
				if message == "" {
					out.Message = e.Message
				}
				break
			}
		}
		return out
	}
}

// HumaError converts an internal error into a huma status error carrying the
// kind-mapped HTTP status.
func HumaError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return huma.NewError(StatusFor(err), msg, err)
}
