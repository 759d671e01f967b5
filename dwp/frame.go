// Package dwp implements the stepflow wire protocol: a frame-based
// request/response and event protocol spoken over WebSocket by remote
// workers and clients, with a one-shot HTTP RPC fallback.
package dwp

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// Version is the protocol version carried in every frame.
const Version = 1

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the envelope of every message exchanged over the protocol.
type Frame struct {
	// V is the protocol version.
	V int `json:"v" msgpack:"v"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// ID uniquely identifies this frame on its connection.
	ID string `json:"id" msgpack:"id"`

	// CorrID links a response or error to its originating request.
	CorrID string `json:"corr_id,omitempty" msgpack:"corr_id,omitempty"`

	// Method names the operation of a request frame.
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// Token carries credentials on the auth frame and one-shot RPC calls.
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel names the subscription topic of an event frame.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits for event delivery.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame. Kind is the stepflow
// error name when one applies.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Kind    string `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

func (e *ErrorDetail) Error() string { return e.Message }

// ── Well-known methods ──────────────────────────────

const (
	MethodAuth = "auth"

	// Task methods, used by remote workers.
	MethodTaskPoll    = "task.poll"
	MethodTaskSuccess = "task.success"
	MethodTaskFailure = "task.failure"

	// Execution methods.
	MethodExecutionStart    = "execution.start"
	MethodExecutionDescribe = "execution.describe"
	MethodExecutionStop     = "execution.stop"
	MethodExecutionHistory  = "execution.history"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest      = 400
	ErrCodeUnauthorized    = 401
	ErrCodeForbidden       = 403
	ErrCodeNotFound        = 404
	ErrCodeMethodNotFound  = 405
	ErrCodeConflict        = 409
	ErrCodeTooManyRequests = 429
	ErrCodeInternal        = 500
	ErrCodeUnavailable     = 503
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is the payload of the first frame on a connection.
type AuthRequest struct {
	Token string `json:"token"`
	// Format selects the codec for every later frame: json (default) or
	// msgpack.
	Format string `json:"format,omitempty"`
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string   `json:"format"`
	SessionID string   `json:"session_id"`
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes,omitempty"`
}

// TaskPollRequest long-polls a task for any of Handlers.
type TaskPollRequest struct {
	Handlers []string `json:"handlers"`
	WorkerID string   `json:"worker_id,omitempty"`
	WaitMs   int64    `json:"wait_ms,omitempty"`
}

// TaskPollResponse carries the delivered task; Task is nil when the poll
// expired empty.
type TaskPollResponse struct {
	Task *TaskPayload `json:"task,omitempty"`
}

// TaskPayload is the handler contract sent to a remote worker.
type TaskPayload struct {
	TaskToken   string          `json:"taskToken"`
	Handler     string          `json:"handler"`
	Input       json.RawMessage `json:"input"`
	Deadline    time.Time       `json:"deadline"`
	ExecutionID string          `json:"execution_id"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
}

// TaskSuccessRequest reports a task result.
type TaskSuccessRequest struct {
	Token  string          `json:"token"`
	Output json.RawMessage `json:"output,omitempty"`
}

// TaskFailureRequest reports a task failure.
type TaskFailureRequest struct {
	Token string `json:"token"`
	Error string `json:"error"`
	Cause string `json:"cause,omitempty"`
}

// ExecutionStartRequest starts an execution.
type ExecutionStartRequest struct {
	Definition string          `json:"definition"`
	Version    int             `json:"version,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ExecutionRequest names one execution.
type ExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// ExecutionStopRequest stops an execution.
type ExecutionStopRequest struct {
	ExecutionID string `json:"execution_id"`
	Cause       string `json:"cause,omitempty"`
}

// ExecutionHistoryRequest pages through an execution's events.
type ExecutionHistoryRequest struct {
	ExecutionID string `json:"execution_id"`
	After       int64  `json:"after,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	// Credits grants initial credits. Zero keeps the broker default.
	Credits int `json:"credits,omitempty"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// StatusResponse acknowledges a method with no other result.
type StatusResponse struct {
	Status string `json:"status"`
}

// ── Constructors ────────────────────────────────────

// NewRequestFrame creates a request frame for method.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		V:         Version,
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to the request corrID.
func NewResponseFrame(corrID string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		V:         Version,
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrID:    corrID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to the request corrID.
func NewErrorFrame(corrID string, code int, message string) *Frame {
	return &Frame{
		V:         Version,
		ID:        GenerateFrameID(),
		Type:      FrameErr,
		CorrID:    corrID,
		Error:     &ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		V:         Version,
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

var frameSeq atomic.Uint64

// GenerateFrameID returns a frame ID unique within this process.
func GenerateFrameID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(frameSeq.Add(1), 36)
}
