package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
	"github.com/xraph/stepflow/timer"
)

// Store is the persistence the engine needs: definitions and execution
// logs. Every store backend satisfies it.
type Store interface {
	definition.Store
	execution.Store
}

// Dispatcher delivers tasks to workers. *task.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) error
	Retire(token string)
}

// HistorySink receives every committed batch of events.
// *stream.Broker satisfies it.
type HistorySink interface {
	PublishHistory(execID id.ExecutionID, events []*execution.Event)
}

var _ Dispatcher = (*task.Dispatcher)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig sets the engine tuning. Zero fields keep their defaults.
func WithConfig(cfg stepflow.EngineConfig) Option {
	return func(e *Engine) {
		if cfg.Concurrency > 0 {
			e.cfg.Concurrency = cfg.Concurrency
		}
		if cfg.CheckpointInterval > 0 {
			e.cfg.CheckpointInterval = cfg.CheckpointInterval
		}
		if cfg.DefaultTaskTimeout > 0 {
			e.cfg.DefaultTaskTimeout = cfg.DefaultTaskTimeout
		}
		if cfg.MaxRunningExecutions > 0 {
			e.cfg.MaxRunningExecutions = cfg.MaxRunningExecutions
		}
		if cfg.HistoryTail > 0 {
			e.cfg.HistoryTail = cfg.HistoryTail
		}
	}
}

// WithDispatcher sets where tasks are delivered. Defaults to an in-memory
// *task.Dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithTimers replaces the timer facility. The caller is responsible for
// calling [Engine.OnTimer] when a timer is due. Without this option the
// engine runs its own timer wheel.
func WithTimers(f timer.Facility) Option {
	return func(e *Engine) { e.timers = f }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pending = append(e.pending, x) }
}

// WithHistorySink streams committed events to s.
func WithHistorySink(s HistorySink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithDefinitions shares a definition registry with other components.
func WithDefinitions(r *definition.Registry) Option {
	return func(e *Engine) { e.defs = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs executions.
type Engine struct {
	store      Store
	defs       *definition.Registry
	dispatcher Dispatcher
	timers     timer.Facility
	wheel      *timer.Wheel
	extensions *ext.Registry
	pending    []ext.Extension
	sinks      []HistorySink
	logger     *slog.Logger
	cfg        stepflow.EngineConfig
	now        func() time.Time

	locks *keyedMutex
	ready *readyQueue

	runMu   sync.Mutex
	running int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an engine over s. It does not advance anything until Start
// is called, but the Control API is usable immediately.
func New(s Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, stepflow.ErrNoStore
	}
	defaults := stepflow.DefaultConfig().Engine
	e := &Engine{
		store:  s,
		logger: slog.Default(),
		cfg:    defaults,
		now:    time.Now,
		locks:  newKeyedMutex(),
		ready:  newReadyQueue(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.defs == nil {
		e.defs = definition.NewRegistry(s)
	}
	if e.dispatcher == nil {
		e.dispatcher = task.NewDispatcher(task.WithDispatcherLogger(e.logger))
	}
	if e.timers == nil {
		e.wheel = timer.NewWheel(e.fire, timer.WithLogger(e.logger), timer.WithClock(e.now))
		e.timers = e.wheel
	}
	e.extensions = ext.NewRegistry(e.logger)
	for _, x := range e.pending {
		e.extensions.Register(x)
	}
	e.pending = nil
	return e, nil
}

// Definitions returns the definition registry.
func (e *Engine) Definitions() *definition.Registry { return e.defs }

// Dispatcher returns the task dispatcher.
func (e *Engine) Dispatcher() Dispatcher { return e.dispatcher }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Config returns the effective engine tuning.
func (e *Engine) Config() stepflow.EngineConfig { return e.cfg }

// Running returns the number of running top-level executions this replica
// knows about.
func (e *Engine) Running() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start re-arms every RUNNING execution from the store and begins
// advancing executions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.recover(ctx); err != nil {
		return err
	}
	if e.wheel != nil {
		if err := e.wheel.Start(ctx); err != nil {
			return err
		}
	}

	for i := 0; i < e.cfg.Concurrency; i++ {
		e.wg.Add(1)
		go e.work()
	}
	e.logger.Info("engine started",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.Int("running", e.Running()),
	)
	return nil
}

// Stop halts the workers and the timer wheel. Executions stay RUNNING in
// the store and resume at the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	if e.wheel != nil {
		_ = e.wheel.Stop(ctx) //nolint:errcheck // always nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("engine stop timed out")
	}

	e.extensions.EmitShutdown(ctx)
	e.logger.Info("engine stopped")
	return nil
}

// recover rebuilds in-memory state from the store: deadline and wake
// timers of parked executions, the ready queue and the running count.
// Pending tasks are not dispatched again; their deadline timers decide.
func (e *Engine) recover(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return &stepflow.StoreError{Op: "list pending", Err: err}
	}

	top := 0
	for _, exec := range pending {
		if !exec.IsChild() {
			top++
		}
		switch exec.Awaiting {
		case execution.AwaitTask:
			e.timers.ScheduleAt(exec.ID, exec.PendingToken, exec.Deadline)
		case execution.AwaitTimer:
			e.timers.ScheduleAt(exec.ID, exec.TimerID, exec.WakeAt)
		default:
			// Runnable, or joining branches that may have finished while
			// nobody was watching.
			e.kick(exec.ID)
		}
	}

	e.runMu.Lock()
	e.running = top
	e.runMu.Unlock()

	if len(pending) > 0 {
		e.logger.Info("recovered executions", slog.Int("count", len(pending)))
	}
	return nil
}

// ──────────────────────────────────────────────────
// Work loop
// ──────────────────────────────────────────────────

// kick queues an execution to be advanced.
func (e *Engine) kick(execID id.ExecutionID) {
	e.ready.push(work{execID: execID})
}

// fire queues a due timer from the built-in wheel.
func (e *Engine) fire(_ context.Context, execID id.ExecutionID, key string) {
	e.ready.push(work{execID: execID, key: key})
}

func (e *Engine) work() {
	defer e.wg.Done()
	for {
		w, ok := e.ready.pop(e.stopCh)
		if !ok {
			return
		}

		ctx := context.Background()
		var err error
		if w.key != "" {
			err = e.OnTimer(ctx, w.execID, w.key)
		} else {
			err = e.process(ctx, w.execID)
		}
		if err == nil || errors.Is(err, stepflow.ErrExecutionNotFound) {
			continue
		}

		e.logger.Error("advance execution failed",
			slog.String("execution_id", w.execID.String()),
			slog.String("error", err.Error()),
		)
		var se *stepflow.StoreError
		if errors.As(err, &se) {
			e.retryLater(w)
		}
	}
}

const storeRetryDelay = time.Second

// retryLater re-queues work that failed on a store error.
func (e *Engine) retryLater(w work) {
	time.AfterFunc(storeRetryDelay, func() {
		select {
		case <-e.stopCh:
		default:
			e.ready.push(w)
		}
	})
}

// ──────────────────────────────────────────────────
// Running count
// ──────────────────────────────────────────────────

func (e *Engine) acquireSlot() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if limit := e.cfg.MaxRunningExecutions; limit > 0 && e.running >= limit {
		return false
	}
	e.running++
	return true
}

func (e *Engine) releaseSlot() {
	e.runMu.Lock()
	if e.running > 0 {
		e.running--
	}
	e.runMu.Unlock()
}
