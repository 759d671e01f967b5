// Package timer schedules wake-ups for parked executions: task deadlines,
// retry backoffs and Wait states.
//
// The wheel is in memory only. Every timer it holds is also recorded in
// the execution's head (deadline or wake time), so the engine rebuilds the
// wheel from the store when it starts.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/stepflow/id"
)

// Facility is the timer contract the engine depends on. Scheduling an
// existing key replaces it.
type Facility interface {
	ScheduleAt(execID id.ExecutionID, key string, at time.Time)
	Cancel(key string)
}

// FireFunc receives a due timer.
type FireFunc func(ctx context.Context, execID id.ExecutionID, key string)

// Option configures a Wheel.
type Option func(*Wheel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wheel) { w.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Wheel) { w.now = now }
}

// Wheel is a heap-ordered timer set served by one goroutine.
type Wheel struct {
	fire   FireFunc
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	items timerHeap
	index map[string]*item

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Facility = (*Wheel)(nil)

// NewWheel creates a wheel that calls fire for every due timer.
func NewWheel(fire FireFunc, opts ...Option) *Wheel {
	w := &Wheel{
		fire:   fire,
		logger: slog.Default(),
		now:    time.Now,
		index:  make(map[string]*item),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ScheduleAt registers a timer for key at the given time.
func (w *Wheel) ScheduleAt(execID id.ExecutionID, key string, at time.Time) {
	w.mu.Lock()
	if it, ok := w.index[key]; ok {
		it.at = at
		it.execID = execID
		heap.Fix(&w.items, it.pos)
	} else {
		it := &item{key: key, execID: execID, at: at}
		heap.Push(&w.items, it)
		w.index[key] = it
	}
	w.mu.Unlock()
	w.wake()
}

// Cancel removes a timer. Unknown keys are ignored.
func (w *Wheel) Cancel(key string) {
	w.mu.Lock()
	if it, ok := w.index[key]; ok {
		heap.Remove(&w.items, it.pos)
		delete(w.index, key)
	}
	w.mu.Unlock()
	w.wake()
}

// Len returns the number of scheduled timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

func (w *Wheel) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the firing goroutine.
func (w *Wheel) Start(_ context.Context) error {
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the wheel. Pending timers are dropped; they live on in the
// store.
func (w *Wheel) Stop(_ context.Context) error {
	close(w.stopCh)
	w.wg.Wait()
	return nil
}

func (w *Wheel) loop() {
	defer w.wg.Done()

	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		for _, it := range w.due() {
			w.fire(context.Background(), it.execID, it.key)
		}

		wait := time.Hour
		w.mu.Lock()
		if len(w.items) > 0 {
			wait = w.items[0].at.Sub(w.now())
		}
		w.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		t.Reset(wait)

		select {
		case <-w.stopCh:
			return
		case <-w.wakeCh:
		case <-t.C:
		}
	}
}

// due pops every timer whose time has come.
func (w *Wheel) due() []*item {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var out []*item
	for len(w.items) > 0 && !w.items[0].at.After(now) {
		it := heap.Pop(&w.items).(*item) //nolint:errcheck // heap only holds *item
		delete(w.index, it.key)
		out = append(out, it)
	}
	if len(out) > 0 {
		w.logger.Debug("timers due", slog.Int("count", len(out)))
	}
	return out
}

// ──────────────────────────────────────────────────
// Heap
// ──────────────────────────────────────────────────

type item struct {
	key    string
	execID id.ExecutionID
	at     time.Time
	pos    int
}

type timerHeap []*item

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*item) //nolint:errcheck // heap only holds *item
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
