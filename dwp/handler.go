package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/stream"
	"github.com/xraph/stepflow/task"
)

// TaskSource hands queued tasks to pollers. *task.Dispatcher satisfies it.
type TaskSource interface {
	Poll(ctx context.Context, handlers []string, workerID string) (*task.Task, error)
}

var _ TaskSource = (*task.Dispatcher)(nil)

// Handler dispatches request frames to engine operations.
type Handler struct {
	eng         *engine.Engine
	tasks       TaskSource
	broker      *stream.Broker
	logger      *slog.Logger
	maxPollWait time.Duration
}

// NewHandler creates a method handler. tasks may be nil, which disables
// task.poll; broker may be nil, which disables subscriptions.
func NewHandler(eng *engine.Engine, tasks TaskSource, broker *stream.Broker, logger *slog.Logger) *Handler {
	return &Handler{
		eng:         eng,
		tasks:       tasks,
		broker:      broker,
		logger:      logger,
		maxPollWait: 30 * time.Second,
	}
}

// Handle processes a single request frame and returns its response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodTaskPoll:
		return h.handleTaskPoll(ctx, frame, conn)
	case MethodTaskSuccess:
		return h.handleTaskSuccess(ctx, frame)
	case MethodTaskFailure:
		return h.handleTaskFailure(ctx, frame)
	case MethodExecutionStart:
		return h.handleExecutionStart(ctx, frame)
	case MethodExecutionDescribe:
		return h.handleExecutionDescribe(ctx, frame)
	case MethodExecutionStop:
		return h.handleExecutionStop(ctx, frame)
	case MethodExecutionHistory:
		return h.handleExecutionHistory(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame, conn)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame, conn)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

func decodeRequest(frame *Frame, v any) *Frame {
	if len(frame.Data) == 0 {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "missing request data")
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	return nil
}

func parseExecutionID(frame *Frame, raw string) (id.ExecutionID, *Frame) {
	execID, err := id.ParseExecutionID(raw)
	if err != nil {
		return id.Nil, errorFrame(frame.ID, stepflow.ErrExecutionNotFound)
	}
	return execID, nil
}

// ── Tasks ───────────────────────────────────────────

func (h *Handler) handleTaskPoll(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	if h.tasks == nil {
		return NewErrorFrame(frame.ID, ErrCodeUnavailable, "task polling is not enabled")
	}
	var req TaskPollRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	if len(req.Handlers) == 0 {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "handlers is required")
	}
	workerID := req.WorkerID
	if workerID == "" {
		workerID = conn.ID
	}

	wait := h.maxPollWait
	if d := time.Duration(req.WaitMs) * time.Millisecond; d > 0 && d < wait {
		wait = d
	}
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	t, err := h.tasks.Poll(pollCtx, req.Handlers, workerID)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	if t == nil {
		return mustResponseFrame(frame.ID, TaskPollResponse{})
	}
	return mustResponseFrame(frame.ID, TaskPollResponse{Task: &TaskPayload{
		TaskToken:   t.Token,
		Handler:     t.Handler,
		Input:       t.Input,
		Deadline:    t.Deadline,
		ExecutionID: t.ExecutionID.String(),
		State:       t.StateName,
		Attempt:     t.Attempt,
	}})
}

func (h *Handler) handleTaskSuccess(ctx context.Context, frame *Frame) *Frame {
	var req TaskSuccessRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	if err := h.eng.SendTaskSuccess(ctx, req.Token, req.Output); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, StatusResponse{Status: "ok"})
}

func (h *Handler) handleTaskFailure(ctx context.Context, frame *Frame) *Frame {
	var req TaskFailureRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	if err := h.eng.SendTaskFailure(ctx, req.Token, req.Error, req.Cause); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, StatusResponse{Status: "ok"})
}

// ── Executions ──────────────────────────────────────

func (h *Handler) handleExecutionStart(ctx context.Context, frame *Frame) *Frame {
	var req ExecutionStartRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	if req.Definition == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "definition is required")
	}
	exec, err := h.eng.StartExecution(ctx, engine.StartRequest{
		Definition: req.Definition,
		Version:    req.Version,
		Name:       req.Name,
		Input:      req.Input,
	})
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, exec)
}

func (h *Handler) handleExecutionDescribe(ctx context.Context, frame *Frame) *Frame {
	var req ExecutionRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	execID, errFrame := parseExecutionID(frame, req.ExecutionID)
	if errFrame != nil {
		return errFrame
	}
	desc, err := h.eng.DescribeExecution(ctx, execID)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, desc)
}

func (h *Handler) handleExecutionStop(ctx context.Context, frame *Frame) *Frame {
	var req ExecutionStopRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	execID, errFrame := parseExecutionID(frame, req.ExecutionID)
	if errFrame != nil {
		return errFrame
	}
	if err := h.eng.StopExecution(ctx, execID, req.Cause); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, StatusResponse{Status: "stopped"})
}

func (h *Handler) handleExecutionHistory(ctx context.Context, frame *Frame) *Frame {
	var req ExecutionHistoryRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	execID, errFrame := parseExecutionID(frame, req.ExecutionID)
	if errFrame != nil {
		return errFrame
	}
	events, err := h.eng.GetExecutionHistory(ctx, execID, req.After, req.Limit)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	if events == nil {
		events = []*execution.Event{}
	}
	return mustResponseFrame(frame.ID, events)
}

// ── Subscriptions ───────────────────────────────────

func (h *Handler) handleSubscribe(frame *Frame, conn *Connection) *Frame {
	if h.broker == nil {
		return NewErrorFrame(frame.ID, ErrCodeUnavailable, "subscriptions are not enabled")
	}
	var req SubscribeRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}
	sub, ok := h.broker.GetSubscriber(conn.ID)
	if !ok {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "connection cannot subscribe")
	}
	h.broker.SubscribeTo(conn.ID, req.Channel)
	if req.Credits > 0 {
		sub.AddCredits(int64(req.Credits))
	}
	conn.AddSubscription(req.Channel)

	h.logger.Debug("dwp subscribed",
		slog.String("conn_id", conn.ID),
		slog.String("channel", req.Channel),
	)
	return mustResponseFrame(frame.ID, StatusResponse{Status: "subscribed"})
}

func (h *Handler) handleUnsubscribe(frame *Frame, conn *Connection) *Frame {
	if h.broker == nil {
		return NewErrorFrame(frame.ID, ErrCodeUnavailable, "subscriptions are not enabled")
	}
	var req UnsubscribeRequest
	if errFrame := decodeRequest(frame, &req); errFrame != nil {
		return errFrame
	}
	h.broker.Unsubscribe(conn.ID, req.Channel)
	conn.RemoveSubscription(req.Channel)
	return mustResponseFrame(frame.ID, StatusResponse{Status: "unsubscribed"})
}

// ── Errors ──────────────────────────────────────────

// errorKinds names the stepflow sentinels carried across the wire so the
// client can restore them.
var errorKinds = []struct {
	err  error
	kind string
	code int
}{
	{stepflow.ErrInvalidInput, "invalid_input", ErrCodeBadRequest},
	{stepflow.ErrInvalidDefinition, "invalid_definition", ErrCodeBadRequest},
	{stepflow.ErrDefinitionNotFound, "definition_not_found", ErrCodeNotFound},
	{stepflow.ErrExecutionNotFound, "execution_not_found", ErrCodeNotFound},
	{stepflow.ErrTokenNotFound, "token_not_found", ErrCodeNotFound},
	{stepflow.ErrExecutionAlreadyExists, "execution_exists", ErrCodeConflict},
	{stepflow.ErrTokenAlreadyRetired, "token_retired", ErrCodeConflict},
	{stepflow.ErrExecutionLimitExceeded, "execution_limit", ErrCodeTooManyRequests},
	{stepflow.ErrEngineStopped, "engine_stopped", ErrCodeUnavailable},
}

// errorFrame maps an engine error to an error frame.
func errorFrame(corrID string, err error) *Frame {
	f := NewErrorFrame(corrID, ErrCodeInternal, err.Error())
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			f.Error.Code = k.code
			f.Error.Kind = k.kind
			break
		}
	}
	return f
}

// Unwrap restores the stepflow sentinel named by Kind.
func (e *ErrorDetail) Unwrap() error {
	for _, k := range errorKinds {
		if k.kind == e.Kind {
			return k.err
		}
	}
	return nil
}
