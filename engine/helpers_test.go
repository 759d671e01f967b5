package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/store/memory"
	"github.com/xraph/stepflow/task"
)

const waitTimeout = 3 * time.Second

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

// recordingDispatcher captures dispatched tasks instead of delivering them.
type recordingDispatcher struct {
	tasks chan *task.Task

	mu      sync.Mutex
	retired map[string]bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		tasks:   make(chan *task.Task, 128),
		retired: make(map[string]bool),
	}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t *task.Task) error {
	d.tasks <- t
	return nil
}

func (d *recordingDispatcher) Retire(token string) {
	d.mu.Lock()
	d.retired[token] = true
	d.mu.Unlock()
}

func (d *recordingDispatcher) isRetired(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retired[token]
}

func (d *recordingDispatcher) next(t *testing.T) *task.Task {
	t.Helper()
	select {
	case tk := <-d.tasks:
		return tk
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dispatched task")
		return nil
	}
}

func (d *recordingDispatcher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case tk := <-d.tasks:
		t.Fatalf("unexpected dispatch of %s (attempt %d)", tk.Handler, tk.Attempt)
	case <-time.After(50 * time.Millisecond):
	}
}

type armedTimer struct {
	execID id.ExecutionID
	at     time.Time
}

// manualTimers records armed timers; tests fire them through OnTimer.
type manualTimers struct {
	mu    sync.Mutex
	armed map[string]armedTimer
}

func newManualTimers() *manualTimers {
	return &manualTimers{armed: make(map[string]armedTimer)}
}

func (m *manualTimers) ScheduleAt(execID id.ExecutionID, key string, at time.Time) {
	m.mu.Lock()
	m.armed[key] = armedTimer{execID: execID, at: at}
	m.mu.Unlock()
}

func (m *manualTimers) Cancel(key string) {
	m.mu.Lock()
	delete(m.armed, key)
	m.mu.Unlock()
}

func (m *manualTimers) get(key string) (armedTimer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.armed[key]
	return a, ok
}

// historyRecorder is a HistorySink that keeps every published event.
type historyRecorder struct {
	mu     sync.Mutex
	events map[string][]*execution.Event
}

func (r *historyRecorder) PublishHistory(execID id.ExecutionID, events []*execution.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]*execution.Event)
	}
	r.events[execID.String()] = append(r.events[execID.String()], events...)
}

func (r *historyRecorder) get(execID id.ExecutionID) []*execution.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*execution.Event(nil), r.events[execID.String()]...)
}

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

type harness struct {
	eng    *engine.Engine
	store  *memory.Store
	tasks  *recordingDispatcher
	timers *manualTimers
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds an engine over s with recording fakes and registers
// the given definitions. The engine is not started.
func newHarness(t *testing.T, s *memory.Store, cfg stepflow.EngineConfig, defs []string, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{
		store:  s,
		tasks:  newRecordingDispatcher(),
		timers: newManualTimers(),
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	all := append([]engine.Option{
		engine.WithLogger(discardLogger()),
		engine.WithConfig(cfg),
		engine.WithDispatcher(h.tasks),
		engine.WithTimers(h.timers),
	}, opts...)

	eng, err := engine.New(s, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng

	for _, doc := range defs {
		if _, _, err := eng.RegisterDefinition(context.Background(), []byte(doc)); err != nil {
			t.Fatalf("RegisterDefinition: %v", err)
		}
	}
	return h
}

// startHarness is newHarness followed by Start, with Stop on cleanup.
func startHarness(t *testing.T, cfg stepflow.EngineConfig, defs ...string) *harness {
	t.Helper()
	h := newHarness(t, memory.New(), cfg, defs)
	h.start(t)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.eng.Stop(context.Background()) })
}

func (h *harness) startExec(t *testing.T, def, input string) *execution.Execution {
	t.Helper()
	exec, err := h.eng.StartExecution(context.Background(), engine.StartRequest{
		Definition: def,
		Input:      json.RawMessage(input),
	})
	if err != nil {
		t.Fatalf("StartExecution(%s): %v", def, err)
	}
	return exec
}

func (h *harness) get(t *testing.T, execID id.ExecutionID) *execution.Execution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

// waitFor polls the head record until cond holds.
func (h *harness) waitFor(t *testing.T, execID id.ExecutionID, what string, cond func(*execution.Execution) bool) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		exec := h.get(t, execID)
		if cond(exec) {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: status=%s state=%s awaiting=%q", what, exec.Status, exec.CurrentState, exec.Awaiting)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitStatus(t *testing.T, execID id.ExecutionID, status execution.Status) *execution.Execution {
	t.Helper()
	return h.waitFor(t, execID, string(status), func(e *execution.Execution) bool { return e.Status == status })
}

func (h *harness) history(t *testing.T, execID id.ExecutionID) []*execution.Event {
	t.Helper()
	events, err := h.eng.GetExecutionHistory(context.Background(), execID, 0, 0)
	if err != nil {
		t.Fatalf("GetExecutionHistory: %v", err)
	}
	return events
}

func ofKind(events []*execution.Event, kind execution.Kind) []*execution.Event {
	var out []*execution.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

const chargeDef = `
name: charge
startAt: Charge
states:
  Charge:
    type: Task
    handler: charge-card
    timeoutSeconds: 30
    resultPath: $.receipt
    next: Done
  Done:
    type: Succeed
`

const retryDef = `
name: retrying
startAt: Charge
states:
  Charge:
    type: Task
    handler: charge-card
    retry:
      - errorEquals: [CardDeclined]
        intervalSeconds: 1
        backoffRate: 2
        maxAttempts: 3
    next: Done
  Done:
    type: Succeed
`

const catchDef = `
name: payment
startAt: Charge
states:
  Charge:
    type: Task
    handler: charge-card
    timeoutSeconds: 10
    catch:
      - errorEquals: [PaymentDeclined, Timeout]
        next: Notify
        resultPath: $.failure
    next: Done
  Notify:
    type: Succeed
  Done:
    type: Succeed
`

const routerDef = `
name: router
startAt: Route
states:
  Route:
    type: Choice
    choices:
      - variable: $.amount
        operator: ">="
        value: 100
        next: Manual
    default: Auto
  Manual:
    type: Pass
    result: manual
    resultPath: $.route
    end: true
  Auto:
    type: Pass
    result: auto
    resultPath: $.route
    end: true
`

const fanoutDef = `
name: fanout
startAt: Fan
states:
  Fan:
    type: Parallel
    branches:
      - startAt: A
        states:
          A:
            type: Task
            handler: branch-a
            end: true
      - startAt: B
        states:
          B:
            type: Task
            handler: branch-b
            end: true
    resultPath: $.results
    next: Done
  Done:
    type: Succeed
`

const waitDef = `
name: pause
startAt: Hold
states:
  Hold:
    type: Wait
    seconds: 30
    next: Done
  Done:
    type: Succeed
`

const waitPathDef = `
name: pause-path
startAt: Hold
states:
  Hold:
    type: Wait
    secondsPath: $.delay
    next: Done
  Done:
    type: Succeed
`

const failDef = `
name: doomed
startAt: Stop
states:
  Stop:
    type: Fail
    error: OrderRejected
    cause: out of stock
`
