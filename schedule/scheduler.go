package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
)

// StartFunc starts one execution for a due entry. runName is unique per
// entry and firing time, so two replicas racing on the same tick collide
// on the execution name instead of starting twice.
type StartFunc func(ctx context.Context, entry *Entry, runName string) (id.ExecutionID, error)

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, entryName string, execID id.ExecutionID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithEmitter sets the hook emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// RunName is the execution name used for the firing of entry at t.
func RunName(entryName string, t time.Time) string {
	return fmt.Sprintf("%s-%s", entryName, t.UTC().Format("20060102T150405Z"))
}

// Scheduler fires due entries on a tick loop. Every replica may run one;
// a per-entry lock in the store keeps a firing to a single replica.
type Scheduler struct {
	store    Store
	start    StartFunc
	emitter  Emitter
	workerID id.WorkerID
	logger   *slog.Logger
	now      func() time.Time

	tickInterval time.Duration
	lockTTL      time.Duration

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler that starts executions through start.
func NewScheduler(store Store, start StartFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		start:        start,
		workerID:     id.NewWorkerID(),
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates an entry, computes its first run and stores it.
func (s *Scheduler) Register(ctx context.Context, entry *Entry) error {
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("%w: schedule name is required", stepflow.ErrInvalidInput)
	}
	if entry.Definition == "" {
		return fmt.Errorf("%w: schedule %q has no definition", stepflow.ErrInvalidInput, entry.Name)
	}
	sched, err := s.parse(entry.Cron)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %v", stepflow.ErrInvalidInput, entry.Name, err)
	}

	now := s.now().UTC()
	if entry.ID.IsNil() {
		entry.ID = id.NewScheduleID()
	}
	next := sched.Next(now)
	entry.NextRunAt = &next
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return s.store.CreateSchedule(ctx, entry)
}

// SetEnabled enables or disables an entry. Re-enabling schedules the next
// run from now rather than catching up.
func (s *Scheduler) SetEnabled(ctx context.Context, entryID id.ScheduleID, enabled bool) error {
	entry, err := s.store.GetSchedule(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Enabled == enabled {
		return nil
	}
	entry.Enabled = enabled
	if enabled {
		sched, err := s.parse(entry.Cron)
		if err != nil {
			return err
		}
		next := sched.Next(s.now().UTC())
		entry.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, entry)
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every enabled entry whose next run is due.
func (s *Scheduler) Tick(ctx context.Context) {
	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, entry := range entries {
		if due(entry, now) {
			s.fire(ctx, entry.ID, now)
		}
	}
}

func due(entry *Entry, now time.Time) bool {
	return entry.Enabled && entry.NextRunAt != nil && !entry.NextRunAt.After(now)
}

func (s *Scheduler) fire(ctx context.Context, entryID id.ScheduleID, now time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, entryID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule_id", entryID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another replica got it.
	}
	defer func() {
		if err := s.store.ReleaseScheduleLock(ctx, entryID, s.workerID); err != nil {
			s.logger.Error("release schedule lock error",
				slog.String("schedule_id", entryID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	// Another replica may have fired and released between list and lock.
	entry, err := s.store.GetSchedule(ctx, entryID)
	if err != nil || !due(entry, now) {
		return
	}

	runAt := *entry.NextRunAt
	execID, startErr := s.start(ctx, entry, RunName(entry.Name, runAt))
	if startErr != nil {
		s.logger.Error("schedule start error",
			slog.String("schedule", entry.Name),
			slog.String("definition", entry.Definition),
			slog.String("error", startErr.Error()),
		)
	}

	// A failed start still advances the entry; the next tick would fail the
	// same way.
	sched, err := s.parse(entry.Cron)
	if err != nil {
		s.logger.Error("parse schedule error",
			slog.String("schedule", entry.Name),
			slog.String("cron", entry.Cron),
			slog.String("error", err.Error()),
		)
		entry.Enabled = false
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}
	entry.LastRunAt = &now
	if err := s.store.UpdateSchedule(ctx, entry); err != nil {
		s.logger.Error("update schedule error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if startErr != nil {
		return
	}
	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, entry.Name, execID)
	}
	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("definition", entry.Definition),
		slog.String("execution_id", execID.String()),
	)
}

// parse caches parsed cron expressions.
func (s *Scheduler) parse(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
