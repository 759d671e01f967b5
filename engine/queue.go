package engine

import (
	"sync"

	"github.com/xraph/stepflow/id"
)

// work is one unit for the engine workers: advance an execution, or
// deliver a due timer when key is set.
type work struct {
	execID id.ExecutionID
	key    string
}

func (w work) dedupKey() string { return w.execID.String() + "/" + w.key }

// readyQueue is an unbounded FIFO of work with duplicate suppression.
// Pushing never blocks, so transitions can queue follow-up work while
// holding locks.
type readyQueue struct {
	mu     sync.Mutex
	items  []work
	queued map[string]bool
	notify chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		queued: make(map[string]bool),
		notify: make(chan struct{}, 1),
	}
}

func (q *readyQueue) push(w work) {
	q.mu.Lock()
	k := w.dedupKey()
	if q.queued[k] {
		q.mu.Unlock()
		return
	}
	q.queued[k] = true
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until work is available or stop is closed.
func (q *readyQueue) pop(stop <-chan struct{}) (work, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			w := q.items[0]
			q.items[0] = work{}
			q.items = q.items[1:]
			delete(q.queued, w.dedupKey())
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return w, true
		}
		q.mu.Unlock()

		select {
		case <-stop:
			return work{}, false
		case <-q.notify:
		}
	}
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *readyQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// keyedMutex serializes transitions per execution.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
