package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
)

// StartRequest names the definition to run and its input.
type StartRequest struct {
	// Definition is the definition name.
	Definition string `json:"definition"`
	// Version pins a definition version. Zero selects the latest.
	Version int `json:"version,omitempty"`
	// Name must be unique per definition. Empty generates one.
	Name string `json:"name,omitempty"`
	// Input is the execution input. Empty means {}.
	Input json.RawMessage `json:"input,omitempty"`
}

// Description is the answer to DescribeExecution.
type Description struct {
	Execution  *execution.Execution `json:"execution"`
	LastEvents []*execution.Event   `json:"last_events"`
}

// StartExecution creates an execution at the definition's start state and
// queues it. The returned record is the committed head.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*execution.Execution, error) {
	input := req.Input
	if len(strings.TrimSpace(string(input))) == 0 {
		input = json.RawMessage("{}")
	}
	if !json.Valid(input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", stepflow.ErrInvalidInput)
	}

	def, err := e.defs.Get(ctx, req.Definition, req.Version)
	if err != nil {
		return nil, err
	}

	if !e.acquireSlot() {
		return nil, stepflow.ErrExecutionLimitExceeded
	}

	now := e.now().UTC()
	name := req.Name
	if name == "" {
		name = generateName(def.Name, now)
	}
	exec := &execution.Execution{
		ID:                id.NewExecutionID(),
		Name:              name,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Input:             input,
		StartedAt:         now,
	}
	if err := e.create(ctx, exec, def.StartAt); err != nil {
		e.releaseSlot()
		return nil, err
	}

	e.logger.Info("execution started",
		slog.String("execution_id", exec.ID.String()),
		slog.String("definition", def.Name),
		slog.Int("version", def.Version),
		slog.String("name", name),
	)
	return exec.Clone(), nil
}

func generateName(def string, now time.Time) string {
	suffix := id.NewExecutionID().String()
	return fmt.Sprintf("%s-%s-%s", def, now.Format("20060102T150405Z"), suffix[len(suffix)-6:])
}

// create persists a fresh execution entering startAt, then queues it.
func (e *Engine) create(ctx context.Context, exec *execution.Execution, startAt string) error {
	events := []*execution.Event{
		ptr(execution.Started(exec)),
		{Kind: execution.KindStateEntered, Time: exec.StartedAt, State: startAt},
	}
	for i, ev := range events {
		ev.ExecutionID = exec.ID
		ev.Seq = int64(i) + 1
		if err := exec.Apply(*ev); err != nil {
			return err
		}
	}

	if err := e.store.CreateExecution(ctx, exec, events); err != nil {
		if errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
			return err
		}
		return &stepflow.StoreError{Op: "create execution", Err: err}
	}

	for _, s := range e.sinks {
		s.PublishHistory(exec.ID, events)
	}
	snapshot := exec.Clone()
	e.extensions.EmitExecutionStarted(ctx, snapshot)
	e.extensions.EmitStateEntered(ctx, snapshot, startAt)
	e.kick(exec.ID)
	return nil
}

func ptr[T any](v T) *T { return &v }

// DescribeExecution returns the head record and the most recent events.
func (e *Engine) DescribeExecution(ctx context.Context, execID id.ExecutionID) (*Description, error) {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	after := exec.LastSeq - int64(e.cfg.HistoryTail)
	if after < 0 {
		after = 0
	}
	events, err := e.store.ListEvents(ctx, execID, after, 0)
	if err != nil {
		return nil, &stepflow.StoreError{Op: "list events", Err: err}
	}
	return &Description{Execution: exec, LastEvents: events}, nil
}

// GetExecutionHistory returns events with seq > afterSeq, at most limit of
// them (zero for all).
func (e *Engine) GetExecutionHistory(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	if _, err := e.store.GetExecution(ctx, execID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, execID, afterSeq, limit)
}

// ListExecutions returns head records matching opts, newest first.
func (e *Engine) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	return e.store.ListExecutions(ctx, opts)
}

// StopExecution stops a running execution and its branch children. The
// pending task token is retired, so a late result is discarded. Stopping a
// finished execution does nothing.
func (e *Engine) StopExecution(ctx context.Context, execID id.ExecutionID, cause string) error {
	return e.mutate(ctx, execID, func(tx *txn) error {
		exec := tx.exec
		if exec.Status.Terminal() {
			return nil
		}
		token, timerID := exec.PendingToken, exec.TimerID
		var open []id.ExecutionID
		if exec.Awaiting == execution.AwaitParallel {
			open = tx.openBranches(-1)
		}

		err := tx.emit(execution.Event{
			Kind:  execution.KindExecutionStopped,
			State: exec.CurrentState,
			Error: stepflow.ErrorKindStopped,
			Cause: cause,
		})
		if err != nil {
			return err
		}

		tx.after(func(ctx context.Context) {
			if token != "" {
				tx.e.retire(token)
			}
			if timerID != "" {
				tx.e.timers.Cancel(timerID)
			}
			for _, child := range open {
				if err := tx.e.StopExecution(ctx, child, cause); err != nil {
					tx.e.logger.Warn("stop branch failed",
						slog.String("execution_id", child.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		})
		tx.terminated()
		return nil
	})
}

// SendTaskSuccess completes the task holding token with output.
//
// It returns stepflow.ErrTokenNotFound for a token that was never issued
// and stepflow.ErrTokenAlreadyRetired for one that was already answered,
// timed out or superseded by a retry. A result for a stopped execution is
// accepted and discarded.
func (e *Engine) SendTaskSuccess(ctx context.Context, token string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	if !json.Valid(output) {
		return fmt.Errorf("%w: task output is not valid JSON", stepflow.ErrInvalidInput)
	}
	return e.callback(ctx, token, func(tx *txn, st *definition.State) error {
		return tx.taskSucceeded(st, token, output)
	})
}

// SendTaskFailure fails the task holding token with an error kind. The
// state's retry and catch policies decide what happens next. An empty kind
// is reported as TaskFailed.
func (e *Engine) SendTaskFailure(ctx context.Context, token, kind, cause string) error {
	if kind == "" {
		kind = stepflow.ErrorKindTaskFailed
	}
	return e.callback(ctx, token, func(tx *txn, st *definition.State) error {
		return tx.taskFailed(st, token, kind, cause)
	})
}

func (e *Engine) callback(ctx context.Context, token string, fn func(tx *txn, st *definition.State) error) error {
	execID, err := e.store.FindByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, stepflow.ErrTokenNotFound) {
			return &stepflow.StoreError{Op: "find token", Err: err}
		}
		return err
	}

	err = e.mutate(ctx, execID, func(tx *txn) error {
		exec := tx.exec
		if exec.Status == execution.StatusStopped && exec.PendingToken == token {
			e.logger.Debug("discarding result for stopped execution",
				slog.String("execution_id", execID.String()),
			)
			return nil
		}
		if exec.Status != execution.StatusRunning || exec.Awaiting != execution.AwaitTask || exec.PendingToken != token {
			return stepflow.ErrTokenAlreadyRetired
		}
		st, ok := tx.current()
		if !ok {
			return tx.failMachine(fmt.Sprintf("state %q not found", exec.CurrentState))
		}
		return fn(tx, st)
	})
	if errors.Is(err, stepflow.ErrTokenAlreadyRetired) {
		e.logger.Warn("result for retired task token",
			slog.String("execution_id", execID.String()),
		)
	}
	return err
}

// OnTimer delivers a due timer: a task deadline becomes a Timeout failure,
// a retry timer dispatches the task again and a Wait timer moves on. Stale
// keys are ignored.
func (e *Engine) OnTimer(ctx context.Context, execID id.ExecutionID, key string) error {
	return e.mutate(ctx, execID, func(tx *txn) error {
		exec := tx.exec
		if exec.Status != execution.StatusRunning {
			return nil
		}
		st, ok := tx.current()
		if !ok {
			return tx.failMachine(fmt.Sprintf("state %q not found", exec.CurrentState))
		}

		switch {
		case exec.Awaiting == execution.AwaitTask && exec.PendingToken == key:
			return tx.taskFailed(st, key, stepflow.ErrorKindTimeout, "task deadline exceeded")

		case exec.Awaiting == execution.AwaitTimer && exec.TimerID == key:
			err := tx.emit(execution.Event{
				Kind:    execution.KindTimerFired,
				State:   exec.CurrentState,
				TimerID: key,
			})
			if err != nil {
				return err
			}
			if st.Type == definition.KindWait {
				if err := tx.exit(exec.Data); err != nil {
					return err
				}
				if err := tx.transition(st, exec.Data); err != nil {
					return err
				}
			}
			return tx.run()

		default:
			return nil
		}
	})
}
