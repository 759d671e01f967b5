package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/task"
)

// PollRequest asks for the next task of any listed handler.
type PollRequest struct {
	Handlers []string `json:"handlers"`
	WorkerID string   `json:"worker_id,omitempty"`
	// WaitMs bounds the long poll. Zero uses the server maximum.
	WaitMs int64 `json:"wait_ms,omitempty"`
}

// SuccessRequest reports a task result.
type SuccessRequest struct {
	Token  string          `json:"token"`
	Output json.RawMessage `json:"output"`
}

// FailureRequest reports a task failure.
type FailureRequest struct {
	Token string `json:"token"`
	Error string `json:"error"`
	Cause string `json:"cause,omitempty"`
}

func (s *Server) pollTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotImplemented, "task polling is not enabled", nil)
		return
	}
	var req PollRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Handlers) == 0 {
		s.fail(w, r, fmt.Errorf("%w: handlers is required", stepflow.ErrInvalidInput))
		return
	}

	wait := s.maxPollWait
	if d := time.Duration(req.WaitMs) * time.Millisecond; d > 0 && d < wait {
		wait = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	t, err := s.tasks.Poll(ctx, req.Handlers, req.WorkerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, taskView(t))
}

// TaskView is the handler contract: the handler name, the state input,
// the token to answer with and the deadline.
type TaskView struct {
	Handler     string          `json:"handler"`
	Input       json.RawMessage `json:"input"`
	TaskToken   string          `json:"taskToken"`
	Deadline    time.Time       `json:"deadline"`
	ExecutionID string          `json:"execution_id"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
}

func taskView(t *task.Task) TaskView {
	return TaskView{
		Handler:     t.Handler,
		Input:       t.Input,
		TaskToken:   t.Token,
		Deadline:    t.Deadline,
		ExecutionID: t.ExecutionID.String(),
		State:       t.StateName,
		Attempt:     t.Attempt,
	}
}

func (s *Server) taskSuccess(w http.ResponseWriter, r *http.Request) {
	var req SuccessRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.fail(w, r, fmt.Errorf("%w: token is required", stepflow.ErrInvalidInput))
		return
	}
	if err := s.eng.SendTaskSuccess(r.Context(), req.Token, req.Output); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskFailure(w http.ResponseWriter, r *http.Request) {
	var req FailureRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.fail(w, r, fmt.Errorf("%w: token is required", stepflow.ErrInvalidInput))
		return
	}
	if err := s.eng.SendTaskFailure(r.Context(), req.Token, req.Error, req.Cause); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
