package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-handler behaviour such as rate limiting and
// concurrency.
type Config struct {
	// Name is the handler name the limits apply to.
	Name string

	// MaxConcurrency limits how many tasks for this handler may be in
	// flight at once across every poller. Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second handed out for
	// this handler. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single handler queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-handler rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given handler configurations.
// Handlers not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues: make(map[string]*queueState, len(configs)),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire checks rate limits and concurrency for the handler. If the task
// is allowed to proceed it increments the active counter and returns
// true. The caller MUST call Release when the task is retired.
func (m *Manager) Acquire(handler string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[handler]
	if qs == nil {
		return true
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	qs.active++
	return true
}

// Release decrements the active count for the handler.
func (m *Manager) Release(handler string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[handler]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetConfig dynamically updates (or creates) a handler configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.queues[cfg.Name]
	qs := newQueueState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the current number of in-flight tasks for a handler.
func (m *Manager) ActiveCount(handler string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[handler]; qs != nil {
		return qs.active
	}
	return 0
}
