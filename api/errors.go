package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/xraph/stepflow"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details any) {
	s.writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// fail maps an engine error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	var details any
	var defErr *stepflow.DefinitionError
	if errors.As(err, &defErr) {
		details = defErr.Errors
	}

	switch {
	case errors.Is(err, stepflow.ErrTokenNotFound):
		s.logger.Warn("result for unknown task token",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	s.writeError(w, status, err.Error(), details)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, stepflow.ErrInvalidInput),
		errors.Is(err, stepflow.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, stepflow.ErrDefinitionNotFound),
		errors.Is(err, stepflow.ErrExecutionNotFound),
		errors.Is(err, stepflow.ErrScheduleNotFound),
		errors.Is(err, stepflow.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, stepflow.ErrExecutionAlreadyExists),
		errors.Is(err, stepflow.ErrDefinitionExists),
		errors.Is(err, stepflow.ErrDuplicateSchedule),
		errors.Is(err, stepflow.ErrTokenAlreadyRetired):
		return http.StatusConflict
	case errors.Is(err, stepflow.ErrExecutionLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, stepflow.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// intQuery parses an integer query parameter with a default value.
func intQuery(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
