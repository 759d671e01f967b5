package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.ExecutionStarted   = (*Extension)(nil)
	_ ext.ExecutionSucceeded = (*Extension)(nil)
	_ ext.ExecutionFailed    = (*Extension)(nil)
	_ ext.ExecutionStopped   = (*Extension)(nil)
	_ ext.TaskScheduled      = (*Extension)(nil)
	_ ext.TaskSucceeded      = (*Extension)(nil)
	_ ext.TaskFailed         = (*Extension)(nil)
	_ ext.TaskRetrying       = (*Extension)(nil)
	_ ext.ScheduleFired      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// NewLogRecorder returns a Recorder that writes each event as one
// structured log line at a level matching its severity.
func NewLogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		meta := make([]any, 0, len(evt.Metadata))
		for k, v := range evt.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges stepflow lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Execution lifecycle hooks ───────────────────────

// OnExecutionStarted implements ext.ExecutionStarted.
func (e *Extension) OnExecutionStarted(ctx context.Context, exec *execution.Execution) error {
	return e.record(ctx, ActionExecutionStarted, SeverityInfo, OutcomeSuccess,
		ResourceExecution, exec.ID.String(), CategoryExecution, "",
		executionMeta(exec)...,
	)
}

// OnExecutionSucceeded implements ext.ExecutionSucceeded.
func (e *Extension) OnExecutionSucceeded(ctx context.Context, exec *execution.Execution, elapsed time.Duration) error {
	return e.record(ctx, ActionExecutionSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceExecution, exec.ID.String(), CategoryExecution, "",
		append(executionMeta(exec), "elapsed_ms", elapsed.Milliseconds())...,
	)
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (e *Extension) OnExecutionFailed(ctx context.Context, exec *execution.Execution) error {
	return e.record(ctx, ActionExecutionFailed, SeverityCritical, OutcomeFailure,
		ResourceExecution, exec.ID.String(), CategoryExecution, reason(exec.Error, exec.Cause),
		append(executionMeta(exec), "error", exec.Error)...,
	)
}

// OnExecutionStopped implements ext.ExecutionStopped.
func (e *Extension) OnExecutionStopped(ctx context.Context, exec *execution.Execution) error {
	return e.record(ctx, ActionExecutionStopped, SeverityWarning, OutcomeFailure,
		ResourceExecution, exec.ID.String(), CategoryExecution, exec.Cause,
		executionMeta(exec)...,
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskScheduled implements ext.TaskScheduled.
func (e *Extension) OnTaskScheduled(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskScheduled, SeverityInfo, OutcomeSuccess,
		ResourceExecution, t.ExecutionID.String(), CategoryTask, "",
		"state", t.StateName,
		"handler", t.Handler,
		"attempt", t.Attempt,
	)
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (e *Extension) OnTaskSucceeded(ctx context.Context, exec *execution.Execution, state string, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceExecution, exec.ID.String(), CategoryTask, "",
		append(executionMeta(exec), "state", state, "elapsed_ms", elapsed.Milliseconds())...,
	)
}

// OnTaskFailed implements ext.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, exec *execution.Execution, state, kind, cause string) error {
	return e.record(ctx, ActionTaskFailed, SeverityWarning, OutcomeFailure,
		ResourceExecution, exec.ID.String(), CategoryTask, reason(kind, cause),
		append(executionMeta(exec), "state", state, "error", kind)...,
	)
}

// OnTaskRetrying implements ext.TaskRetrying.
func (e *Extension) OnTaskRetrying(ctx context.Context, exec *execution.Execution, state string, attempt int, delay time.Duration) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceExecution, exec.ID.String(), CategoryTask, "",
		append(executionMeta(exec), "state", state, "attempt", attempt, "delay_ms", delay.Milliseconds())...,
	)
}

// ── Schedule lifecycle hooks ────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, entryName string, execID id.ExecutionID) error {
	return e.record(ctx, ActionScheduleFired, SeverityInfo, OutcomeSuccess,
		ResourceSchedule, entryName, CategorySchedule, "",
		"execution_id", execID.String(),
	)
}

// ── Internal helpers ────────────────────────────────

func executionMeta(exec *execution.Execution) []any {
	meta := []any{
		"definition", exec.DefinitionName,
		"version", exec.DefinitionVersion,
		"name", exec.Name,
	}
	if exec.IsChild() {
		meta = append(meta, "parent_id", exec.ParentID.String())
	}
	return meta
}

func reason(kind, cause string) string {
	switch {
	case cause == "":
		return kind
	case kind == "":
		return cause
	default:
		return kind + ": " + cause
	}
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	why string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     why,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
