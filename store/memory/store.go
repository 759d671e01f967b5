// Package memory provides a fully in-memory implementation of store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle in tests), so we verify each
// subsystem.
var (
	_ definition.Store = (*Store)(nil)
	_ execution.Store  = (*Store)(nil)
	_ schedule.Store   = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	definitions map[string][]*definition.Definition // name -> versions ascending
	executions  map[string]*execution.Execution
	names       map[string]string // definition + name -> execution ID
	events      map[string][]*execution.Event
	tokens      map[string]string // task token -> execution ID
	checkpoints map[string]*execution.Checkpoint
	schedules   map[string]*schedule.Entry

	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		definitions: make(map[string][]*definition.Definition),
		executions:  make(map[string]*execution.Execution),
		names:       make(map[string]string),
		events:      make(map[string][]*execution.Event),
		tokens:      make(map[string]string),
		checkpoints: make(map[string]*execution.Checkpoint),
		schedules:   make(map[string]*schedule.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails once the store is closed.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return stepflow.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Definition Store
// ──────────────────────────────────────────────────

// PutDefinition persists a new definition version.
func (m *Store) PutDefinition(_ context.Context, def *definition.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.definitions[def.Name] {
		if d.Version == def.Version {
			return stepflow.ErrDefinitionExists
		}
	}
	cp := *def
	versions := append(m.definitions[def.Name], &cp)
	sort.Slice(versions, func(i, k int) bool { return versions[i].Version < versions[k].Version })
	m.definitions[def.Name] = versions
	return nil
}

// GetDefinition retrieves one version of a definition.
func (m *Store) GetDefinition(_ context.Context, name string, version int) (*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.definitions[name] {
		if d.Version == version {
			cp := *d
			return &cp, nil
		}
	}
	return nil, stepflow.ErrDefinitionNotFound
}

// LatestDefinition retrieves the highest version of a definition.
func (m *Store) LatestDefinition(_ context.Context, name string) (*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.definitions[name]
	if len(versions) == 0 {
		return nil, stepflow.ErrDefinitionNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

// ListDefinitions returns the latest version of every definition.
func (m *Store) ListDefinitions(_ context.Context) ([]*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*definition.Definition, 0, len(m.definitions))
	for _, versions := range m.definitions {
		cp := *versions[len(versions)-1]
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// ──────────────────────────────────────────────────
// Execution Store
// ──────────────────────────────────────────────────

func nameKey(exec *execution.Execution) string {
	return exec.DefinitionName + "\x00" + exec.Name
}

// CreateExecution persists a new execution and its first events.
func (m *Store) CreateExecution(_ context.Context, exec *execution.Execution, events []*execution.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, exists := m.executions[key]; exists {
		return stepflow.ErrExecutionAlreadyExists
	}
	if !exec.IsChild() {
		if _, exists := m.names[nameKey(exec)]; exists {
			return stepflow.ErrExecutionAlreadyExists
		}
		m.names[nameKey(exec)] = key
	}

	m.appendLocked(exec, 0, events)
	return nil
}

// AppendEvents appends a batch of events and replaces the head record.
func (m *Store) AppendEvents(_ context.Context, exec *execution.Execution, expectedSeq int64, events []*execution.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	current, ok := m.executions[key]
	if !ok {
		return stepflow.ErrExecutionNotFound
	}
	if current.LastSeq != expectedSeq {
		return stepflow.ErrConcurrentUpdate
	}
	m.appendLocked(exec, expectedSeq, events)
	return nil
}

func (m *Store) appendLocked(exec *execution.Execution, after int64, events []*execution.Event) {
	key := exec.ID.String()
	seq := after
	for _, ev := range events {
		seq++
		ev.Seq = seq
		ev.ExecutionID = exec.ID
		cp := *ev
		m.events[key] = append(m.events[key], &cp)
		if ev.Kind == execution.KindTaskScheduled && ev.Token != "" {
			m.tokens[ev.Token] = key
		}
	}
	exec.LastSeq = seq
	m.executions[key] = exec.Clone()
}

// GetExecution retrieves the head record of an execution.
func (m *Store) GetExecution(_ context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[execID.String()]
	if !ok {
		return nil, stepflow.ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// ListExecutions returns head records matching opts, newest first.
func (m *Store) ListExecutions(_ context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*execution.Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		if opts.DefinitionName != "" && exec.DefinitionName != opts.DefinitionName {
			continue
		}
		if !opts.ParentID.IsNil() && exec.ParentID.String() != opts.ParentID.String() {
			continue
		}
		result = append(result, exec.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].StartedAt.Equal(result[k].StartedAt) {
			return result[i].StartedAt.After(result[k].StartedAt)
		}
		return result[i].ID.String() > result[k].ID.String()
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ListEvents returns events with seq > afterSeq in order.
func (m *Store) ListEvents(_ context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := execID.String()
	if _, ok := m.executions[key]; !ok {
		return nil, stepflow.ErrExecutionNotFound
	}
	log := m.events[key]
	result := make([]*execution.Event, 0, len(log))
	for _, ev := range log {
		if ev.Seq <= afterSeq {
			continue
		}
		cp := *ev
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// FindByToken returns the execution that scheduled a task token.
func (m *Store) FindByToken(_ context.Context, token string) (id.ExecutionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.tokens[token]
	if !ok {
		return id.Nil, stepflow.ErrTokenNotFound
	}
	return m.executions[key].ID, nil
}

// ListPending returns every RUNNING execution, oldest first.
func (m *Store) ListPending(_ context.Context) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*execution.Execution, 0)
	for _, exec := range m.executions {
		if exec.Status == execution.StatusRunning {
			result = append(result, exec.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].StartedAt.Equal(result[k].StartedAt) {
			return result[i].StartedAt.Before(result[k].StartedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}

// SaveCheckpoint stores the latest snapshot of an execution.
func (m *Store) SaveCheckpoint(_ context.Context, cp *execution.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.ExecutionID.String()
	if _, ok := m.executions[key]; !ok {
		return stepflow.ErrExecutionNotFound
	}
	if prev, ok := m.checkpoints[key]; ok && prev.Seq >= cp.Seq {
		return nil
	}
	c := *cp
	m.checkpoints[key] = &c
	return nil
}

// LatestCheckpoint returns the most recent checkpoint or nil.
func (m *Store) LatestCheckpoint(_ context.Context, execID id.ExecutionID) (*execution.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[execID.String()]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// CreateSchedule persists a new entry. Names are unique.
func (m *Store) CreateSchedule(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.schedules {
		if e.Name == entry.Name {
			return stepflow.ErrDuplicateSchedule
		}
	}
	cp := *entry
	m.schedules[entry.ID.String()] = &cp
	return nil
}

// GetSchedule retrieves an entry by ID.
func (m *Store) GetSchedule(_ context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return nil, stepflow.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

// ListSchedules returns all entries ordered by name.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Entry, 0, len(m.schedules))
	for _, e := range m.schedules {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// AcquireScheduleLock attempts to take the firing lock of an entry.
func (m *Store) AcquireScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return false, stepflow.ErrScheduleNotFound
	}

	now := time.Now().UTC()

	// If already locked by someone else and lock hasn't expired, fail.
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) {
		if e.LockedBy != workerID.String() {
			return false, nil
		}
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseScheduleLock releases the firing lock held by workerID.
func (m *Store) ReleaseScheduleLock(_ context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.schedules[entryID.String()]
	if !ok {
		return stepflow.ErrScheduleNotFound
	}
	if e.LockedBy != workerID.String() {
		return nil // not holding the lock; no-op
	}
	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// UpdateSchedule replaces an entry. Lock fields are kept.
func (m *Store) UpdateSchedule(_ context.Context, entry *schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	current, ok := m.schedules[key]
	if !ok {
		return stepflow.ErrScheduleNotFound
	}
	cp := *entry
	cp.LockedBy = current.LockedBy
	cp.LockedUntil = current.LockedUntil
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[key] = &cp
	return nil
}

// DeleteSchedule removes an entry by ID.
func (m *Store) DeleteSchedule(_ context.Context, entryID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.schedules[key]; !ok {
		return stepflow.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}
