package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// Source hands out tasks for the named handlers. Poll blocks until a task
// is available or ctx is done, in which case it returns (nil, nil).
type Source interface {
	Poll(ctx context.Context, handlers []string, workerID string) (*task.Task, error)
}

// Pool manages a set of concurrent worker goroutines that poll for
// tasks and execute them through the Executor.
type Pool struct {
	source       Source
	executor     *Executor
	handlers     []string
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh     chan struct{}
	pollCtx    context.Context
	cancelPoll context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeMu   sync.Mutex
	active     map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolHandlers restricts the handlers the pool polls for. By default
// the pool polls for every handler in the executor's registry.
func WithPoolHandlers(handlers []string) PoolOption {
	return func(p *Pool) { p.handlers = handlers }
}

// WithPollInterval sets the back-off after a poll error.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithWorkerID overrides the generated worker identifier.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a worker pool.
func NewPool(source Source, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		source:       source,
		executor:     executor,
		handlers:     executor.registry.Names(),
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.pollCtx, p.cancelPoll = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("handlers", p.handlers),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.pollLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight handlers.
// If ctx expires first, in-flight handler contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.cancelPoll()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// Active returns the number of handlers currently running.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		t, err := p.source.Poll(p.pollCtx, p.handlers, p.workerID.String())
		if err != nil {
			p.logger.Error("poll error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if t == nil {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.track(t.Token, cancel)

		if execErr := p.executor.Execute(ctx, t); execErr != nil {
			p.logger.Debug("task execution failed",
				slog.String("token", t.Token),
				slog.String("handler", t.Handler),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrack(t.Token)
		cancel()
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(token string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[token] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(token string) {
	p.activeMu.Lock()
	delete(p.active, token)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for token, cancel := range p.active {
		p.logger.Warn("cancelling active task", slog.String("token", token))
		cancel()
	}
}
