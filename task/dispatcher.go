package task

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/queue"
)

// Limiter gates delivery per handler. *queue.Manager satisfies it.
type Limiter interface {
	Acquire(handler string) bool
	Release(handler string)
}

var _ Limiter = (*queue.Manager)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimiter sets per-handler delivery limits.
func WithLimiter(l Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecheckInterval sets how often a blocked poller re-checks queues
// that were held back by a limiter.
func WithRecheckInterval(iv time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.recheck = iv }
}

// Dispatcher holds undelivered tasks in one FIFO per handler and hands
// them to pollers. It does not run handlers. Expired tasks are dropped at
// delivery time; the engine's deadline timer turns them into Timeout
// failures.
type Dispatcher struct {
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
	recheck time.Duration

	mu       sync.Mutex
	queues   map[string][]*Task
	inflight map[string]string // token -> handler, for limiter release
	notify   chan struct{}
	closed   bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:   slog.Default(),
		now:      time.Now,
		recheck:  100 * time.Millisecond,
		queues:   make(map[string][]*Task),
		inflight: make(map[string]string),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues a task on its handler's queue and wakes pollers.
func (d *Dispatcher) Dispatch(_ context.Context, t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return stepflow.ErrEngineStopped
	}
	cp := *t
	d.queues[t.Handler] = append(d.queues[t.Handler], &cp)
	d.broadcastLocked()
	return nil
}

func (d *Dispatcher) broadcastLocked() {
	close(d.notify)
	d.notify = make(chan struct{})
}

// Poll returns the next task for any of the given handlers, waiting until
// one is available or ctx is done. It returns (nil, nil) when ctx expires
// without a task, which is the normal outcome of a long poll.
func (d *Dispatcher) Poll(ctx context.Context, handlers []string, workerID string) (*Task, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, stepflow.ErrEngineStopped
		}
		t, held := d.takeLocked(handlers)
		notify := d.notify
		d.mu.Unlock()

		if t != nil {
			d.logger.Debug("task delivered",
				slog.String("token", t.Token),
				slog.String("handler", t.Handler),
				slog.String("worker_id", workerID),
			)
			return t, nil
		}

		var (
			timer   *time.Timer
			recheck <-chan time.Time
		)
		if held {
			timer = time.NewTimer(d.recheck)
			recheck = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, nil //nolint:nilnil // an empty long poll is not an error
		case <-notify:
		case <-recheck:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// takeLocked pops the first deliverable task. held reports whether a task
// was left in place because a limiter denied it.
func (d *Dispatcher) takeLocked(handlers []string) (*Task, bool) {
	now := d.now()
	held := false
	for _, h := range handlers {
		q := d.queues[h]
		for len(q) > 0 && q[0].Expired(now) {
			d.logger.Debug("dropping expired task",
				slog.String("token", q[0].Token),
				slog.String("handler", h),
			)
			q = q[1:]
		}
		d.queues[h] = q
		if len(q) == 0 {
			delete(d.queues, h)
			continue
		}
		if d.limiter != nil && !d.limiter.Acquire(h) {
			held = true
			continue
		}
		t := q[0]
		d.queues[h] = q[1:]
		if d.limiter != nil {
			d.inflight[t.Token] = h
		}
		return t, held
	}
	return nil, held
}

// Retire forgets a token: an undelivered task is removed from its queue
// and a delivered one gives its limiter slot back. Unknown tokens are
// ignored.
func (d *Dispatcher) Retire(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.inflight[token]; ok {
		delete(d.inflight, token)
		d.limiter.Release(h)
		d.broadcastLocked()
		return
	}
	for h, q := range d.queues {
		i := slices.IndexFunc(q, func(t *Task) bool { return t.Token == token })
		if i >= 0 {
			d.queues[h] = slices.Delete(q, i, i+1)
			return
		}
	}
}

// Pending returns the number of undelivered tasks for a handler.
func (d *Dispatcher) Pending(handler string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[handler])
}

// Close wakes every poller with ErrEngineStopped and rejects further
// dispatches.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.broadcastLocked()
}
