package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/retry"
	"github.com/xraph/stepflow/task"
)

// maxConflictRetries bounds how often a transition is rebuilt after losing
// an optimistic append to another replica.
const maxConflictRetries = 3

// maxStepsPerTransition bounds how many states one transition may pass
// through before it commits and re-queues the execution.
const maxStepsPerTransition = 500

// txn is one transition of an execution: the events it appends and the
// side effects that run once they are committed.
type txn struct {
	e     *Engine
	ctx   context.Context
	exec  *execution.Execution
	root  *definition.Definition
	graph *definition.Definition
	base  int64
	now   time.Time

	events  []*execution.Event
	effects []func(ctx context.Context)
}

// emit folds ev into the working record and queues it for append.
func (tx *txn) emit(ev execution.Event) error {
	ev.Time = tx.now
	ev.ExecutionID = tx.exec.ID
	if err := tx.exec.Apply(ev); err != nil {
		return fmt.Errorf("engine: apply %s: %w", ev.Kind, err)
	}
	tx.events = append(tx.events, &ev)
	return nil
}

// after queues a side effect for when the events are durable.
func (tx *txn) after(fn func(ctx context.Context)) {
	tx.effects = append(tx.effects, fn)
}

// mutate runs fn as one transition of execID. Side effects run only when
// the append succeeded. A lost optimistic append is retried from a fresh
// read.
func (e *Engine) mutate(ctx context.Context, execID id.ExecutionID, fn func(tx *txn) error) error {
	for attempt := 0; ; attempt++ {
		err := e.mutateOnce(ctx, execID, fn)
		if errors.Is(err, stepflow.ErrConcurrentUpdate) && attempt < maxConflictRetries {
			e.logger.Debug("transition conflict, retrying",
				slog.String("execution_id", execID.String()),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		return err
	}
}

func (e *Engine) mutateOnce(ctx context.Context, execID id.ExecutionID, fn func(tx *txn) error) error {
	unlock := e.locks.lock(execID.String())
	tx, err := e.begin(ctx, execID)
	if err == nil {
		err = fn(tx)
	}
	if err == nil {
		err = e.commit(ctx, tx)
	}
	unlock()
	if err != nil {
		return err
	}
	e.finish(ctx, tx)
	return nil
}

func (e *Engine) begin(ctx context.Context, execID id.ExecutionID) (*txn, error) {
	exec, err := execution.Load(ctx, e.store, execID)
	if err != nil {
		if errors.Is(err, stepflow.ErrExecutionNotFound) {
			return nil, err
		}
		return nil, &stepflow.StoreError{Op: "load execution", Err: err}
	}
	root, err := e.defs.Get(ctx, exec.DefinitionName, exec.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("engine: execution %s: %w", execID, err)
	}
	graph, err := root.Branch(exec.BranchPath)
	if err != nil {
		return nil, fmt.Errorf("engine: execution %s: %w", execID, err)
	}
	return &txn{
		e:     e,
		ctx:   ctx,
		exec:  exec,
		root:  root,
		graph: graph,
		base:  exec.LastSeq,
		now:   e.now().UTC(),
	}, nil
}

func (e *Engine) commit(ctx context.Context, tx *txn) error {
	if len(tx.events) == 0 {
		return nil
	}
	for i, ev := range tx.events {
		ev.Seq = tx.base + int64(i) + 1
	}
	tx.exec.LastSeq = tx.base + int64(len(tx.events))

	if err := e.store.AppendEvents(ctx, tx.exec, tx.base, tx.events); err != nil {
		return &stepflow.StoreError{Op: "append events", Err: err}
	}
	e.checkpoint(ctx, tx)
	return nil
}

// checkpoint snapshots the record whenever the log crosses a multiple of
// the checkpoint interval. A failed snapshot only costs replay time.
func (e *Engine) checkpoint(ctx context.Context, tx *txn) {
	every := int64(e.cfg.CheckpointInterval)
	if every <= 0 || tx.exec.LastSeq/every == tx.base/every {
		return
	}
	cp, err := execution.NewCheckpoint(tx.exec)
	if err == nil {
		err = e.store.SaveCheckpoint(ctx, cp)
	}
	if err != nil {
		e.logger.Warn("checkpoint failed",
			slog.String("execution_id", tx.exec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// finish publishes the committed events and runs the side effects. Effects
// outlive the caller's context.
func (e *Engine) finish(ctx context.Context, tx *txn) {
	if len(tx.events) > 0 {
		for _, s := range e.sinks {
			s.PublishHistory(tx.exec.ID, tx.events)
		}
	}
	ectx := context.WithoutCancel(ctx)
	for _, fn := range tx.effects {
		fn(ectx)
	}
}

// process advances a runnable execution or reconciles a Parallel join.
func (e *Engine) process(ctx context.Context, execID id.ExecutionID) error {
	return e.mutate(ctx, execID, func(tx *txn) error {
		if tx.exec.Status != execution.StatusRunning {
			return nil
		}
		switch tx.exec.Awaiting {
		case execution.AwaitNone:
			return tx.run()
		case execution.AwaitParallel:
			st, ok := tx.current()
			if !ok {
				return tx.failMachine(fmt.Sprintf("state %q not found", tx.exec.CurrentState))
			}
			return tx.join(st)
		default:
			return nil
		}
	})
}

// ──────────────────────────────────────────────────
// Interpreter
// ──────────────────────────────────────────────────

func (tx *txn) current() (*definition.State, bool) {
	return tx.graph.States.Get(tx.exec.CurrentState)
}

// run steps through states until the execution parks or finishes.
func (tx *txn) run() error {
	for steps := 0; tx.exec.Runnable(); steps++ {
		if steps == maxStepsPerTransition {
			execID := tx.exec.ID
			tx.after(func(context.Context) { tx.e.kick(execID) })
			return nil
		}
		st, ok := tx.current()
		if !ok {
			return tx.failMachine(fmt.Sprintf("state %q not found", tx.exec.CurrentState))
		}
		if err := tx.step(st); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txn) step(st *definition.State) error {
	switch st.Type {
	case definition.KindTask:
		return tx.schedule(st)
	case definition.KindChoice:
		return tx.choose(st)
	case definition.KindParallel:
		return tx.fork(st)
	case definition.KindWait:
		return tx.wait(st)
	case definition.KindPass:
		return tx.pass(st)
	case definition.KindSucceed:
		data := tx.exec.Data
		if err := tx.exit(data); err != nil {
			return err
		}
		return tx.succeed(data)
	case definition.KindFail:
		kind := st.Error
		if kind == "" {
			kind = stepflow.ErrorKindTaskFailed
		}
		return tx.failExecution(kind, st.Cause)
	default:
		return tx.failMachine(fmt.Sprintf("state %q has unknown type %q", tx.exec.CurrentState, st.Type))
	}
}

// schedule dispatches a Task state and parks on its token.
func (tx *txn) schedule(st *definition.State) error {
	exec := tx.exec
	token := id.NewTaskToken()
	deadline := tx.now.Add(st.Timeout(tx.root, tx.e.cfg.DefaultTaskTimeout))

	err := tx.emit(execution.Event{
		Kind:     execution.KindTaskScheduled,
		State:    exec.CurrentState,
		Data:     exec.Data,
		Token:    token,
		Handler:  st.Handler,
		Attempt:  exec.Attempts + 1,
		Deadline: deadline,
	})
	if err != nil {
		return err
	}

	t := &task.Task{
		Token:       token,
		ExecutionID: exec.ID,
		StateName:   exec.CurrentState,
		Handler:     st.Handler,
		Input:       exec.Data,
		Attempt:     exec.Attempts,
		Deadline:    deadline,
		ScheduledAt: tx.now,
	}
	tx.after(func(ctx context.Context) { tx.e.dispatch(ctx, t) })
	return nil
}

func (e *Engine) dispatch(ctx context.Context, t *task.Task) {
	e.timers.ScheduleAt(t.ExecutionID, t.Token, t.Deadline)
	if err := e.dispatcher.Dispatch(ctx, t); err != nil {
		// The deadline timer turns an undelivered task into a Timeout.
		e.logger.Error("dispatch task failed",
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("handler", t.Handler),
			slog.String("error", err.Error()),
		)
	}
	e.extensions.EmitTaskScheduled(ctx, t)
}

// choose evaluates Choice rules in declaration order.
func (tx *txn) choose(st *definition.State) error {
	doc, err := definition.DecodeJSON(tx.exec.Data)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", tx.exec.CurrentState, err))
	}
	next := st.Default
	for i := range st.Choices {
		if st.Choices[i].Evaluate(doc) {
			next = st.Choices[i].Next
			break
		}
	}
	if next == "" {
		return tx.failMachine(fmt.Sprintf("state %q: no choice rule matched and no default", tx.exec.CurrentState))
	}
	if err := tx.exit(tx.exec.Data); err != nil {
		return err
	}
	return tx.enter(next)
}

// pass copies its input to its output, optionally injecting Result.
func (tx *txn) pass(st *definition.State) error {
	out := tx.exec.Data
	if len(st.Result) > 0 {
		var err error
		out, err = definition.ApplyResultPath(tx.exec.Data, json.RawMessage(st.Result), st.ResultPath)
		if err != nil {
			return tx.failMachine(fmt.Sprintf("state %q: %v", tx.exec.CurrentState, err))
		}
	}
	if err := tx.exit(out); err != nil {
		return err
	}
	return tx.transition(st, out)
}

// wait arms a timer and parks.
func (tx *txn) wait(st *definition.State) error {
	wake, err := tx.wakeTime(st)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", tx.exec.CurrentState, err))
	}
	timerID := id.NewTimerKey()
	err = tx.emit(execution.Event{
		Kind:    execution.KindWaitScheduled,
		State:   tx.exec.CurrentState,
		TimerID: timerID,
		WakeAt:  wake,
	})
	if err != nil {
		return err
	}
	execID := tx.exec.ID
	tx.after(func(context.Context) { tx.e.timers.ScheduleAt(execID, timerID, wake) })
	return nil
}

func (tx *txn) wakeTime(st *definition.State) (time.Time, error) {
	switch {
	case st.Seconds != nil:
		return tx.now.Add(time.Duration(*st.Seconds) * time.Second), nil
	case st.Timestamp != "":
		return time.Parse(time.RFC3339, st.Timestamp)
	}

	expr := st.SecondsPath
	if expr == "" {
		expr = st.TimestampPath
	}
	p, err := definition.ParsePath(expr)
	if err != nil {
		return time.Time{}, err
	}
	doc, err := definition.DecodeJSON(tx.exec.Data)
	if err != nil {
		return time.Time{}, err
	}
	v, ok := p.Lookup(doc)
	if !ok {
		return time.Time{}, fmt.Errorf("path %s not found in input", expr)
	}

	if st.SecondsPath != "" {
		n, ok := v.(json.Number)
		if !ok {
			return time.Time{}, fmt.Errorf("path %s is not a number", expr)
		}
		secs, err := n.Float64()
		if err != nil || secs < 0 {
			return time.Time{}, fmt.Errorf("path %s is not a non-negative number", expr)
		}
		return tx.now.Add(time.Duration(secs * float64(time.Second))), nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("path %s is not a timestamp", expr)
	}
	return time.Parse(time.RFC3339, s)
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

func (tx *txn) exit(data json.RawMessage) error {
	return tx.emit(execution.Event{
		Kind:  execution.KindStateExited,
		State: tx.exec.CurrentState,
		Data:  data,
	})
}

func (tx *txn) enter(name string) error {
	if err := tx.emit(execution.Event{Kind: execution.KindStateEntered, State: name}); err != nil {
		return err
	}
	exec := tx.exec
	tx.after(func(ctx context.Context) { tx.e.extensions.EmitStateEntered(ctx, exec, name) })
	return nil
}

// transition follows Next or ends the execution.
func (tx *txn) transition(st *definition.State, data json.RawMessage) error {
	if st.End {
		return tx.succeed(data)
	}
	return tx.enter(st.Next)
}

func (tx *txn) succeed(data json.RawMessage) error {
	if err := tx.emit(execution.Event{Kind: execution.KindExecutionSucceeded, Data: data}); err != nil {
		return err
	}
	tx.terminated()
	return nil
}

func (tx *txn) failExecution(kind, cause string) error {
	err := tx.emit(execution.Event{
		Kind:  execution.KindExecutionFailed,
		State: tx.exec.CurrentState,
		Error: kind,
		Cause: cause,
	})
	if err != nil {
		return err
	}
	tx.terminated()
	return nil
}

func (tx *txn) failMachine(cause string) error {
	return tx.failExecution(stepflow.ErrorKindStatesMachine, cause)
}

// terminated queues the bookkeeping for an execution that just finished.
func (tx *txn) terminated() {
	exec := tx.exec
	tx.after(func(ctx context.Context) { tx.e.terminated(ctx, exec) })
}

func (e *Engine) terminated(ctx context.Context, exec *execution.Execution) {
	switch exec.Status {
	case execution.StatusSucceeded:
		var elapsed time.Duration
		if exec.CompletedAt != nil {
			elapsed = exec.CompletedAt.Sub(exec.StartedAt)
		}
		e.extensions.EmitExecutionSucceeded(ctx, exec, elapsed)
	case execution.StatusFailed:
		e.extensions.EmitExecutionFailed(ctx, exec)
	case execution.StatusStopped:
		e.extensions.EmitExecutionStopped(ctx, exec)
	}

	e.logger.Info("execution finished",
		slog.String("execution_id", exec.ID.String()),
		slog.String("definition", exec.DefinitionName),
		slog.String("status", string(exec.Status)),
		slog.String("error", exec.Error),
	)

	if exec.IsChild() {
		e.kick(exec.ParentID)
		return
	}
	e.releaseSlot()
}

// ──────────────────────────────────────────────────
// Task outcomes
// ──────────────────────────────────────────────────

// taskSucceeded closes the pending task with output and moves on.
func (tx *txn) taskSucceeded(st *definition.State, token string, output json.RawMessage) error {
	exec := tx.exec
	elapsed := tx.now.Sub(exec.Deadline.Add(-st.Timeout(tx.root, tx.e.cfg.DefaultTaskTimeout)))
	state, attempt := exec.CurrentState, exec.Attempts

	err := tx.emit(execution.Event{
		Kind:    execution.KindTaskSucceeded,
		State:   state,
		Token:   token,
		Data:    output,
		Attempt: attempt,
	})
	if err != nil {
		return err
	}
	tx.after(func(ctx context.Context) {
		tx.e.retire(token)
		tx.e.extensions.EmitTaskSucceeded(ctx, exec, state, elapsed)
	})

	data, err := definition.ApplyResultPath(exec.Data, output, st.ResultPath)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", state, err))
	}
	if err := tx.exit(data); err != nil {
		return err
	}
	if err := tx.transition(st, data); err != nil {
		return err
	}
	return tx.run()
}

// taskFailed closes the pending task and applies the retry and catch
// policies of the state.
func (tx *txn) taskFailed(st *definition.State, token, kind, cause string) error {
	exec := tx.exec
	state, attempts := exec.CurrentState, exec.Attempts

	err := tx.emit(execution.Event{
		Kind:    execution.KindTaskFailed,
		State:   state,
		Token:   token,
		Error:   kind,
		Cause:   cause,
		Attempt: attempts,
	})
	if err != nil {
		return err
	}
	tx.after(func(ctx context.Context) {
		tx.e.retire(token)
		tx.e.extensions.EmitTaskFailed(ctx, exec, state, kind, cause)
	})

	action := retry.NextAction(retry.For(st), attempts, kind)
	if action.Kind != retry.Retry {
		return tx.catchOrFail(action, kind, cause)
	}

	timerID := id.NewTimerKey()
	wake := tx.now.Add(action.Delay)
	err = tx.emit(execution.Event{
		Kind:    execution.KindRetryScheduled,
		State:   state,
		TimerID: timerID,
		WakeAt:  wake,
		Delay:   action.Delay,
		Attempt: attempts,
	})
	if err != nil {
		return err
	}
	tx.after(func(ctx context.Context) {
		tx.e.timers.ScheduleAt(exec.ID, timerID, wake)
		tx.e.extensions.EmitTaskRetrying(ctx, exec, state, attempts, action.Delay)
	})
	return nil
}

// catchOrFail routes a failure to a catch target or fails the execution.
// The error object {"error", "cause"} is placed at the catch's result
// path.
func (tx *txn) catchOrFail(action retry.Action, kind, cause string) error {
	if action.Kind != retry.Catch {
		return tx.failExecution(kind, cause)
	}
	payload, err := json.Marshal(map[string]string{"error": kind, "cause": cause})
	if err != nil {
		return err
	}
	data, err := definition.ApplyResultPath(tx.exec.Data, payload, action.ResultPath)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", tx.exec.CurrentState, err))
	}
	if err := tx.exit(data); err != nil {
		return err
	}
	if err := tx.enter(action.Next); err != nil {
		return err
	}
	return tx.run()
}

// retire forgets a task token in the dispatcher and the timer facility.
func (e *Engine) retire(token string) {
	e.dispatcher.Retire(token)
	e.timers.Cancel(token)
}
