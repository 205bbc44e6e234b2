package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/roborun/roborun/internal/model"
)

// ErrInvalidInput marks malformed or semantically invalid request bodies.
var ErrInvalidInput = errors.New("invalid input")

// ErrorCode is a machine readable error class in API responses.
type ErrorCode string

const (
	CodeInvalidInput    ErrorCode = "invalid_input"
	CodeNotFound        ErrorCode = "not_found"
	CodeInvalidScenario ErrorCode = "invalid_scenario"
	CodeQueueSaturated  ErrorCode = "queue_saturated"
	CodeAlreadyTerminal ErrorCode = "already_terminal"
	CodeInternalError   ErrorCode = "internal_error"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError pairs a domain error with its HTTP representation.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// mapError maps a domain error to its HTTP representation.
func mapError(err error) *HTTPError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}
	case errors.Is(err, model.ErrInvalidScenario):
		return &HTTPError{http.StatusBadRequest, CodeInvalidScenario, err}
	case errors.Is(err, model.ErrNotFound):
		return &HTTPError{http.StatusNotFound, CodeNotFound, err}
	case errors.Is(err, model.ErrQueueSaturated):
		return &HTTPError{http.StatusTooManyRequests, CodeQueueSaturated, err}
	case errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrInvalidTransition):
		return &HTTPError{http.StatusConflict, CodeAlreadyTerminal, err}
	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := mapError(err)
	if httpErr == nil {
		return
	}
	if httpErr.StatusCode == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, httpErr.StatusCode, ErrorResponse{
		Code:    string(httpErr.Code),
		Message: httpErr.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}
