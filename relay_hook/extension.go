package relayhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.ExecutionStarted   = (*Extension)(nil)
	_ ext.ExecutionSucceeded = (*Extension)(nil)
	_ ext.ExecutionFailed    = (*Extension)(nil)
	_ ext.ExecutionStopped   = (*Extension)(nil)
	_ ext.TaskSucceeded      = (*Extension)(nil)
	_ ext.TaskFailed         = (*Extension)(nil)
	_ ext.TaskRetrying       = (*Extension)(nil)
	_ ext.ScheduleFired      = (*Extension)(nil)
)

// Event is the envelope published for each lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Extension bridges stepflow lifecycle events to a Publisher.
type Extension struct {
	publisher Publisher
	enabled   map[string]bool        // nil = all enabled
	payloads  map[string]PayloadFunc // custom payload builders
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Extension that publishes lifecycle events through p.
func New(p Publisher, opts ...Option) *Extension {
	h := &Extension{
		publisher: p,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "relay-hook" }

// ── Execution lifecycle hooks ───────────────────────

// OnExecutionStarted implements ext.ExecutionStarted.
func (h *Extension) OnExecutionStarted(ctx context.Context, exec *execution.Execution) error {
	return h.send(ctx, EventExecutionStarted, newExecutionPayload(exec))
}

// OnExecutionSucceeded implements ext.ExecutionSucceeded.
func (h *Extension) OnExecutionSucceeded(ctx context.Context, exec *execution.Execution, elapsed time.Duration) error {
	return h.send(ctx, EventExecutionSucceeded, &executionSucceededPayload{
		executionPayload: *newExecutionPayload(exec),
		ElapsedMs:        elapsed.Milliseconds(),
	})
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (h *Extension) OnExecutionFailed(ctx context.Context, exec *execution.Execution) error {
	return h.send(ctx, EventExecutionFailed, &executionFailedPayload{
		executionPayload: *newExecutionPayload(exec),
		Error:            exec.Error,
		Cause:            exec.Cause,
	})
}

// OnExecutionStopped implements ext.ExecutionStopped.
func (h *Extension) OnExecutionStopped(ctx context.Context, exec *execution.Execution) error {
	return h.send(ctx, EventExecutionStopped, &executionFailedPayload{
		executionPayload: *newExecutionPayload(exec),
		Error:            exec.Error,
		Cause:            exec.Cause,
	})
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskSucceeded implements ext.TaskSucceeded.
func (h *Extension) OnTaskSucceeded(ctx context.Context, exec *execution.Execution, state string, elapsed time.Duration) error {
	return h.send(ctx, EventTaskSucceeded, &taskPayload{
		executionPayload: *newExecutionPayload(exec),
		State:            state,
		ElapsedMs:        elapsed.Milliseconds(),
	})
}

// OnTaskFailed implements ext.TaskFailed.
func (h *Extension) OnTaskFailed(ctx context.Context, exec *execution.Execution, state, kind, cause string) error {
	return h.send(ctx, EventTaskFailed, &taskPayload{
		executionPayload: *newExecutionPayload(exec),
		State:            state,
		Error:            kind,
		Cause:            cause,
	})
}

// OnTaskRetrying implements ext.TaskRetrying.
func (h *Extension) OnTaskRetrying(ctx context.Context, exec *execution.Execution, state string, attempt int, delay time.Duration) error {
	return h.send(ctx, EventTaskRetrying, &taskRetryingPayload{
		executionPayload: *newExecutionPayload(exec),
		State:            state,
		Attempt:          attempt,
		RetryAt:          h.now().Add(delay).UTC().Format(time.RFC3339Nano),
	})
}

// ── Schedule lifecycle hooks ────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (h *Extension) OnScheduleFired(ctx context.Context, entryName string, execID id.ExecutionID) error {
	return h.send(ctx, EventScheduleFired, &schedulePayload{
		EntryName:   entryName,
		ExecutionID: execID.String(),
	})
}

// ── Internal helpers ────────────────────────────────

// send publishes an event if the event type is enabled. Publish failures
// are logged; a broken relay never fails an execution.
func (h *Extension) send(ctx context.Context, eventType string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	evt := &Event{
		ID:        id.New(id.PrefixEvent).String(),
		Type:      eventType,
		Timestamp: h.now().UTC(),
		Data:      data,
	}
	if err := h.publisher.Publish(ctx, evt); err != nil {
		h.logger.Warn("relay_hook: publish failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ── Default payload types ───────────────────────────

type executionPayload struct {
	ExecutionID string `json:"execution_id"`
	Name        string `json:"name"`
	Definition  string `json:"definition"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
	ParentID    string `json:"parent_id,omitempty"`
}

func newExecutionPayload(exec *execution.Execution) *executionPayload {
	p := &executionPayload{
		ExecutionID: exec.ID.String(),
		Name:        exec.Name,
		Definition:  exec.DefinitionName,
		Version:     exec.DefinitionVersion,
		Status:      string(exec.Status),
	}
	if exec.IsChild() {
		p.ParentID = exec.ParentID.String()
	}
	return p
}

type executionSucceededPayload struct {
	executionPayload
	ElapsedMs int64 `json:"elapsed_ms"`
}

type executionFailedPayload struct {
	executionPayload
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

type taskPayload struct {
	executionPayload
	State     string `json:"state"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

type taskRetryingPayload struct {
	executionPayload
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	RetryAt string `json:"retry_at"`
}

type schedulePayload struct {
	EntryName   string `json:"entry_name"`
	ExecutionID string `json:"execution_id"`
}
