package schedule_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
	"github.com/xraph/stepflow/store/memory"
)

// stubEmitter records EmitScheduleFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *stubEmitter) EmitScheduleFired(_ context.Context, entryName string, _ id.ExecutionID) {
	e.mu.Lock()
	e.names = append(e.names, entryName)
	e.mu.Unlock()
}

func (e *stubEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.names)
}

// startSpy records start calls.
type startSpy struct {
	mu    sync.Mutex
	runs  []string
	defs  []string
	fails bool
}

func (s *startSpy) fn(_ context.Context, entry *schedule.Entry, runName string) (id.ExecutionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails {
		return id.Nil, errors.New("definition missing")
	}
	s.runs = append(s.runs, runName)
	s.defs = append(s.defs, entry.Definition)
	return id.NewExecutionID(), nil
}

func (s *startSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, s *memory.Store, spy *startSpy, clock *fakeClock, emitter *stubEmitter) *schedule.Scheduler {
	t.Helper()
	return schedule.NewScheduler(s, spy.fn,
		schedule.WithClock(clock.Now),
		schedule.WithEmitter(emitter),
		schedule.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		schedule.WithTickInterval(10*time.Millisecond),
	)
}

func TestRegisterComputesNextRun(t *testing.T) {
	s := memory.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	sched := newTestScheduler(t, s, &startSpy{}, clock, &stubEmitter{})

	entry := &schedule.Entry{Name: "hourly", Cron: "0 * * * *", Definition: "report", Enabled: true}
	if err := sched.Register(context.Background(), entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.ID.IsNil() {
		t.Fatal("ID was not assigned")
	}
	want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if entry.NextRunAt == nil || !entry.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", entry.NextRunAt, want)
	}

	dup := &schedule.Entry{Name: "hourly", Cron: "@every 1m", Definition: "report"}
	if err := sched.Register(context.Background(), dup); !errors.Is(err, stepflow.ErrDuplicateSchedule) {
		t.Errorf("duplicate name: err = %v, want ErrDuplicateSchedule", err)
	}
}

func TestRegisterRejectsBadEntries(t *testing.T) {
	sched := newTestScheduler(t, memory.New(), &startSpy{}, &fakeClock{now: time.Now()}, &stubEmitter{})

	cases := []*schedule.Entry{
		{Name: "", Cron: "@every 1m", Definition: "d"},
		{Name: "no-def", Cron: "@every 1m"},
		{Name: "bad-cron", Cron: "every tuesday", Definition: "d"},
	}
	for _, entry := range cases {
		if err := sched.Register(context.Background(), entry); !errors.Is(err, stepflow.ErrInvalidInput) {
			t.Errorf("%q: err = %v, want ErrInvalidInput", entry.Name, err)
		}
	}
}

func TestTickFiresDueEntries(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	spy := &startSpy{}
	emitter := &stubEmitter{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(t, s, spy, clock, emitter)

	entry := &schedule.Entry{Name: "every-minute", Cron: "@every 1m", Definition: "report", Enabled: true}
	if err := sched.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sched.Tick(ctx)
	if spy.count() != 0 {
		t.Fatal("fired before due")
	}

	clock.Advance(time.Minute)
	sched.Tick(ctx)
	sched.Tick(ctx)
	if spy.count() != 1 {
		t.Fatalf("starts = %d, want 1", spy.count())
	}
	if !strings.HasPrefix(spy.runs[0], "every-minute-20260301T1201") || spy.defs[0] != "report" {
		t.Errorf("run = %q for %q", spy.runs[0], spy.defs[0])
	}
	if emitter.count() != 1 {
		t.Errorf("emitted = %d, want 1", emitter.count())
	}

	stored, err := s.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if stored.LastRunAt == nil || !stored.NextRunAt.After(clock.Now()) {
		t.Errorf("last = %v next = %v", stored.LastRunAt, stored.NextRunAt)
	}
	if stored.LockedBy != "" {
		t.Errorf("lock still held by %q", stored.LockedBy)
	}
}

func TestTickSkipsDisabledAndLockedEntries(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	spy := &startSpy{}
	clock := &fakeClock{now: time.Now().UTC()}
	sched := newTestScheduler(t, s, spy, clock, &stubEmitter{})

	disabled := &schedule.Entry{Name: "off", Cron: "@every 1m", Definition: "d"}
	locked := &schedule.Entry{Name: "busy", Cron: "@every 1m", Definition: "d", Enabled: true}
	for _, e := range []*schedule.Entry{disabled, locked} {
		if err := sched.Register(ctx, e); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if ok, err := s.AcquireScheduleLock(ctx, locked.ID, id.NewWorkerID(), time.Hour); err != nil || !ok {
		t.Fatalf("AcquireScheduleLock: %v %v", ok, err)
	}

	clock.Advance(2 * time.Minute)
	sched.Tick(ctx)
	if spy.count() != 0 {
		t.Fatalf("starts = %d, want 0", spy.count())
	}
}

func TestFailedStartStillAdvances(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	spy := &startSpy{fails: true}
	emitter := &stubEmitter{}
	clock := &fakeClock{now: time.Now().UTC()}
	sched := newTestScheduler(t, s, spy, clock, emitter)

	entry := &schedule.Entry{Name: "broken", Cron: "@every 1m", Definition: "gone", Enabled: true}
	if err := sched.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	before := *entry.NextRunAt

	clock.Advance(time.Minute)
	sched.Tick(ctx)

	stored, err := s.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !stored.NextRunAt.After(before) {
		t.Errorf("next run did not advance: %v", stored.NextRunAt)
	}
	if emitter.count() != 0 {
		t.Error("hook emitted for a failed start")
	}
}

func TestSetEnabled(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	clock := &fakeClock{now: time.Now().UTC()}
	sched := newTestScheduler(t, s, &startSpy{}, clock, &stubEmitter{})

	entry := &schedule.Entry{Name: "toggle", Cron: "@every 1m", Definition: "d"}
	if err := sched.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock.Advance(time.Hour)
	if err := sched.SetEnabled(ctx, entry.ID, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	stored, _ := s.GetSchedule(ctx, entry.ID)
	if !stored.Enabled || !stored.NextRunAt.After(clock.Now()) {
		t.Errorf("enabled = %v next = %v", stored.Enabled, stored.NextRunAt)
	}

	if err := sched.SetEnabled(ctx, id.NewScheduleID(), true); !errors.Is(err, stepflow.ErrScheduleNotFound) {
		t.Errorf("unknown entry: err = %v", err)
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	spy := &startSpy{}
	clock := &fakeClock{now: time.Now().UTC()}
	sched := newTestScheduler(t, s, spy, clock, &stubEmitter{})

	entry := &schedule.Entry{Name: "live", Cron: "@every 1m", Definition: "d", Enabled: true}
	if err := sched.Register(ctx, entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.Advance(time.Minute)

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for spy.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if spy.count() != 1 {
		t.Errorf("starts = %d, want 1", spy.count())
	}
}
