package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
)

// StopRequest is the optional body of a stop call.
type StopRequest struct {
	Cause string `json:"cause"`
}

func (s *Server) executionID(w http.ResponseWriter, r *http.Request) (id.ExecutionID, bool) {
	execID, err := id.ParseExecutionID(chi.URLParam(r, "id"))
	if err != nil {
		// An ID that cannot exist is reported the same as a missing one.
		s.fail(w, r, fmt.Errorf("%w: %s", stepflow.ErrExecutionNotFound, chi.URLParam(r, "id")))
		return id.Nil, false
	}
	return execID, true
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Definition == "" {
		s.fail(w, r, fmt.Errorf("%w: definition is required", stepflow.ErrInvalidInput))
		return
	}
	exec, err := s.eng.StartExecution(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intQuery(r, "limit", 100)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", stepflow.ErrInvalidInput))
		return
	}
	offset, ok := intQuery(r, "offset", 0)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: offset must be a non-negative integer", stepflow.ErrInvalidInput))
		return
	}

	opts := execution.ListOpts{
		Status:         execution.Status(q.Get("status")),
		DefinitionName: q.Get("definition"),
		Limit:          limit,
		Offset:         offset,
	}
	if p := q.Get("parent"); p != "" {
		parent, err := id.ParseExecutionID(p)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: parent: %v", stepflow.ErrInvalidInput, err))
			return
		}
		opts.ParentID = parent
	}

	execs, err := s.eng.ListExecutions(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if execs == nil {
		execs = []*execution.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) describeExecution(w http.ResponseWriter, r *http.Request) {
	execID, ok := s.executionID(w, r)
	if !ok {
		return
	}
	desc, err := s.eng.DescribeExecution(r.Context(), execID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) stopExecution(w http.ResponseWriter, r *http.Request) {
	execID, ok := s.executionID(w, r)
	if !ok {
		return
	}
	var req StopRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.eng.StopExecution(r.Context(), execID, req.Cause); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executionHistory(w http.ResponseWriter, r *http.Request) {
	execID, ok := s.executionID(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.fail(w, r, fmt.Errorf("%w: after must be a non-negative integer", stepflow.ErrInvalidInput))
			return
		}
		after = n
	}
	limit, ok := intQuery(r, "limit", 0)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", stepflow.ErrInvalidInput))
		return
	}

	events, err := s.eng.GetExecutionHistory(r.Context(), execID, after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*execution.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}
