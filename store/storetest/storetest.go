// Package storetest is the conformance suite shared by every store
// backend. A backend test calls Run with a constructor returning a fresh,
// migrated store.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
	"github.com/xraph/stepflow/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Definitions", testDefinitions},
		{"CreateExecution", testCreateExecution},
		{"DuplicateName", testDuplicateName},
		{"AppendEvents", testAppendEvents},
		{"ConcurrentAppend", testConcurrentAppend},
		{"ListExecutions", testListExecutions},
		{"FindByToken", testFindByToken},
		{"ListPending", testListPending},
		{"Checkpoints", testCheckpoints},
		{"LoadFromCheckpoint", testLoadFromCheckpoint},
		{"Schedules", testSchedules},
		{"ScheduleLock", testScheduleLock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewExecution returns a started execution record and its opening events.
func NewExecution(defName, name string, startedAt time.Time) (*execution.Execution, []*execution.Event) {
	exec := &execution.Execution{
		ID:                id.NewExecutionID(),
		Name:              name,
		DefinitionName:    defName,
		DefinitionVersion: 1,
		Input:             json.RawMessage(`{"amount":150}`),
		StartedAt:         startedAt,
	}
	started := execution.Started(exec)
	entered := execution.Event{Kind: execution.KindStateEntered, Time: startedAt, State: "Charge", Data: exec.Input}
	events := []*execution.Event{&started, &entered}
	mustApply(exec, events)
	return exec, events
}

func mustApply(exec *execution.Execution, events []*execution.Event) {
	for _, ev := range events {
		if err := exec.Apply(*ev); err != nil {
			panic(err)
		}
	}
}

func create(t *testing.T, s store.Store, defName, name string, at time.Time) *execution.Execution {
	t.Helper()
	exec, events := NewExecution(defName, name, at)
	if err := s.CreateExecution(context.Background(), exec, events); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return exec
}

func appendBatch(t *testing.T, s store.Store, exec *execution.Execution, events ...*execution.Event) {
	t.Helper()
	expected := exec.LastSeq
	mustApply(exec, events)
	if err := s.AppendEvents(context.Background(), exec, expected, events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
}

func scheduled(token string, at time.Time) *execution.Event {
	return &execution.Event{
		Kind:     execution.KindTaskScheduled,
		Time:     at,
		State:    "Charge",
		Token:    token,
		Handler:  "charge-card",
		Attempt:  1,
		Deadline: at.Add(time.Minute),
		Data:     json.RawMessage(`{"amount":150}`),
	}
}

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

func testDefinitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	def, err := definition.Parse([]byte("name: order\nstartAt: Done\nstates:\n  Done: {type: Succeed}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for v := 1; v <= 2; v++ {
		d := *def
		d.Version = v
		d.Digest = fmt.Sprintf("digest-%d", v)
		d.CreatedAt = base
		if err := s.PutDefinition(ctx, &d); err != nil {
			t.Fatalf("PutDefinition v%d: %v", v, err)
		}
	}

	dup := *def
	dup.Version = 2
	if err := s.PutDefinition(ctx, &dup); !errors.Is(err, stepflow.ErrDefinitionExists) {
		t.Fatalf("duplicate version: err = %v, want ErrDefinitionExists", err)
	}

	got, err := s.GetDefinition(ctx, "order", 1)
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if got.Digest != "digest-1" || got.StartAt != "Done" {
		t.Errorf("GetDefinition = %+v", got)
	}
	if _, ok := got.States.Get("Done"); !ok {
		t.Error("states were not persisted")
	}

	latest, err := s.LatestDefinition(ctx, "order")
	if err != nil {
		t.Fatalf("LatestDefinition: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}

	if _, err := s.GetDefinition(ctx, "order", 9); !errors.Is(err, stepflow.ErrDefinitionNotFound) {
		t.Errorf("missing version: err = %v, want ErrDefinitionNotFound", err)
	}
	if _, err := s.LatestDefinition(ctx, "nope"); !errors.Is(err, stepflow.ErrDefinitionNotFound) {
		t.Errorf("missing name: err = %v, want ErrDefinitionNotFound", err)
	}

	list, err := s.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(list) != 1 || list[0].Version != 2 {
		t.Errorf("ListDefinitions = %d entries, want latest only", len(list))
	}
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

func testCreateExecution(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "first", base)

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != execution.StatusRunning || got.CurrentState != "Charge" || got.LastSeq != 2 {
		t.Errorf("head = status %s state %s seq %d", got.Status, got.CurrentState, got.LastSeq)
	}
	if string(got.Input) != `{"amount":150}` {
		t.Errorf("input = %s", got.Input)
	}

	events, err := s.ListEvents(ctx, exec.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Kind != execution.KindExecutionStarted || events[0].Start == nil || events[0].Start.Name != "first" {
		t.Errorf("first event = %+v", events[0])
	}

	again := *exec
	again.Name = "other"
	if err := s.CreateExecution(ctx, &again, nil); !errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
		t.Errorf("duplicate id: err = %v, want ErrExecutionAlreadyExists", err)
	}

	if _, err := s.GetExecution(ctx, id.NewExecutionID()); !errors.Is(err, stepflow.ErrExecutionNotFound) {
		t.Errorf("missing: err = %v, want ErrExecutionNotFound", err)
	}
}

func testDuplicateName(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, "order", "nightly", base)

	exec, events := NewExecution("order", "nightly", base)
	if err := s.CreateExecution(ctx, exec, events); !errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
		t.Fatalf("err = %v, want ErrExecutionAlreadyExists", err)
	}

	// Same name under another definition is fine.
	other, events := NewExecution("refund", "nightly", base)
	if err := s.CreateExecution(ctx, other, events); err != nil {
		t.Fatalf("other definition: %v", err)
	}
}

func testAppendEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "append", base)

	appendBatch(t, s, exec, scheduled("tok-1", base.Add(time.Second)))
	if exec.LastSeq != 3 {
		t.Fatalf("LastSeq = %d, want 3", exec.LastSeq)
	}

	stale := exec.Clone()
	appendBatch(t, s, exec,
		&execution.Event{Kind: execution.KindTaskSucceeded, Time: base.Add(2 * time.Second), Token: "tok-1", Data: json.RawMessage(`{"ok":true}`)},
		&execution.Event{Kind: execution.KindStateExited, Time: base.Add(2 * time.Second), State: "Charge", Data: json.RawMessage(`{"ok":true}`)},
		&execution.Event{Kind: execution.KindExecutionSucceeded, Time: base.Add(2 * time.Second), Data: json.RawMessage(`{"ok":true}`)},
	)

	// A writer holding the old head must be rejected.
	late := &execution.Event{Kind: execution.KindTaskFailed, Time: base.Add(3 * time.Second), Token: "tok-1", Error: "Timeout"}
	if err := s.AppendEvents(ctx, stale, stale.LastSeq, []*execution.Event{late}); !errors.Is(err, stepflow.ErrConcurrentUpdate) {
		t.Fatalf("stale append: err = %v, want ErrConcurrentUpdate", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != execution.StatusSucceeded || string(got.Output) != `{"ok":true}` || got.LastSeq != 6 {
		t.Errorf("head = status %s output %s seq %d", got.Status, got.Output, got.LastSeq)
	}

	tail, err := s.ListEvents(ctx, exec.ID, 3, 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Kind != execution.KindStateExited {
		t.Errorf("tail = %+v", tail)
	}

	// The log replays into the stored head.
	all, err := s.ListEvents(ctx, exec.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	replayed, err := execution.Replay(nil, all)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.Status != got.Status || replayed.LastSeq != got.LastSeq || string(replayed.Output) != string(got.Output) {
		t.Errorf("replayed = %+v, head = %+v", replayed, got)
	}
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "race", base)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mine := exec.Clone()
			ev := scheduled(fmt.Sprintf("tok-%d", i), base.Add(time.Second))
			mustApply(mine, []*execution.Event{ev})
			err := s.AppendEvents(ctx, mine, 2, []*execution.Event{ev})
			switch {
			case err == nil:
				mu.Lock()
				success++
				mu.Unlock()
			case !errors.Is(err, stepflow.ErrConcurrentUpdate):
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("successful writers = %d, want exactly 1", success)
	}
	events, err := s.ListEvents(ctx, exec.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}
}

func testListExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "order", "a", base)
	create(t, s, "order", "b", base.Add(time.Minute))
	create(t, s, "refund", "c", base.Add(2*time.Minute))

	appendBatch(t, s, a, &execution.Event{Kind: execution.KindExecutionFailed, Time: base.Add(time.Hour), Error: "Boom", Cause: "x"})

	all, err := s.ListExecutions(ctx, execution.ListOpts{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 3 || all[0].Name != "c" || all[2].Name != "a" {
		t.Errorf("order = %v, want newest first", names(all))
	}

	orders, _ := s.ListExecutions(ctx, execution.ListOpts{DefinitionName: "order"})
	if len(orders) != 2 {
		t.Errorf("by definition = %v", names(orders))
	}

	failed, _ := s.ListExecutions(ctx, execution.ListOpts{Status: execution.StatusFailed})
	if len(failed) != 1 || failed[0].Error != "Boom" {
		t.Errorf("by status = %v", names(failed))
	}

	page, _ := s.ListExecutions(ctx, execution.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].Name != "b" {
		t.Errorf("page = %v, want [b]", names(page))
	}

	child, events := NewExecution("order", "a/0", base.Add(3*time.Minute))
	child.ParentID = a.ID
	events[0].Start.ParentID = a.ID
	if err := s.CreateExecution(ctx, child, events); err != nil {
		t.Fatalf("CreateExecution child: %v", err)
	}
	children, _ := s.ListExecutions(ctx, execution.ListOpts{ParentID: a.ID})
	if len(children) != 1 || children[0].ID.String() != child.ID.String() {
		t.Errorf("children = %v", names(children))
	}
}

func names(execs []*execution.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.Name
	}
	return out
}

func testFindByToken(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "tokens", base)
	appendBatch(t, s, exec, scheduled("tok-find", base))

	got, err := s.FindByToken(ctx, "tok-find")
	if err != nil {
		t.Fatalf("FindByToken: %v", err)
	}
	if got.String() != exec.ID.String() {
		t.Errorf("FindByToken = %s, want %s", got, exec.ID)
	}
	if _, err := s.FindByToken(ctx, "tok-unknown"); !errors.Is(err, stepflow.ErrTokenNotFound) {
		t.Errorf("unknown token: err = %v, want ErrTokenNotFound", err)
	}
}

func testListPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	waiting := create(t, s, "order", "waiting", base)
	appendBatch(t, s, waiting, &execution.Event{
		Kind:    execution.KindWaitScheduled,
		Time:    base,
		TimerID: "tmr-1",
		WakeAt:  base.Add(time.Hour),
	})
	done := create(t, s, "order", "done", base.Add(time.Second))
	appendBatch(t, s, done, &execution.Event{Kind: execution.KindExecutionSucceeded, Time: base.Add(time.Minute)})

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %v, want [waiting]", names(pending))
	}
	p := pending[0]
	if p.Awaiting != execution.AwaitTimer || p.TimerID != "tmr-1" || !p.WakeAt.Equal(base.Add(time.Hour)) {
		t.Errorf("pending = awaiting %q timer %q wake %v", p.Awaiting, p.TimerID, p.WakeAt)
	}
}

func testCheckpoints(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "cp", base)

	cp, err := s.LatestCheckpoint(ctx, exec.ID)
	if err != nil || cp != nil {
		t.Fatalf("LatestCheckpoint before save = %v, %v; want nil, nil", cp, err)
	}

	first, err := execution.NewCheckpoint(exec)
	if err != nil {
		t.Fatalf("NewCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, first); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	appendBatch(t, s, exec, scheduled("tok-cp", base))
	second, _ := execution.NewCheckpoint(exec)
	if err := s.SaveCheckpoint(ctx, second); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err = s.LatestCheckpoint(ctx, exec.ID)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp == nil || cp.Seq != 3 {
		t.Fatalf("LatestCheckpoint = %+v, want seq 3", cp)
	}
	restored, err := cp.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.PendingToken != "tok-cp" {
		t.Errorf("restored token = %q", restored.PendingToken)
	}
}

func testLoadFromCheckpoint(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := create(t, s, "order", "load", base)
	appendBatch(t, s, exec, scheduled("tok-a", base))

	cp, _ := execution.NewCheckpoint(exec)
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	appendBatch(t, s, exec,
		&execution.Event{Kind: execution.KindTaskFailed, Time: base.Add(time.Second), Token: "tok-a", Error: "Boom"},
		&execution.Event{Kind: execution.KindRetryScheduled, Time: base.Add(time.Second), TimerID: "tmr-a", WakeAt: base.Add(3 * time.Second), Delay: 2 * time.Second},
	)

	loaded, err := execution.Load(ctx, s, exec.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	all, _ := s.ListEvents(ctx, exec.ID, 0, 0)
	scratch, err := execution.Replay(nil, all)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	a, _ := json.Marshal(loaded)
	b, _ := json.Marshal(scratch)
	if string(a) != string(b) {
		t.Errorf("checkpoint load differs from full replay:\n%s\n%s", a, b)
	}
	if loaded.Awaiting != execution.AwaitTimer || loaded.Attempts != 1 {
		t.Errorf("loaded = awaiting %q attempts %d", loaded.Awaiting, loaded.Attempts)
	}
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func newEntry(name string) *schedule.Entry {
	next := base.Add(time.Minute)
	return &schedule.Entry{
		ID:         id.NewScheduleID(),
		Name:       name,
		Cron:       "*/5 * * * *",
		Definition: "order",
		Input:      json.RawMessage(`{"amount":1}`),
		Enabled:    true,
		NextRunAt:  &next,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

func testSchedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := newEntry("nightly")
	if err := s.CreateSchedule(ctx, e); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := s.CreateSchedule(ctx, newEntry("nightly")); !errors.Is(err, stepflow.ErrDuplicateSchedule) {
		t.Fatalf("duplicate: err = %v, want ErrDuplicateSchedule", err)
	}

	got, err := s.GetSchedule(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Definition != "order" || got.Cron != "*/5 * * * *" || !got.Enabled {
		t.Errorf("GetSchedule = %+v", got)
	}

	got.Enabled = false
	ran := base.Add(5 * time.Minute)
	got.LastRunAt = &ran
	if err := s.UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	list, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(list) != 1 || list[0].Enabled || list[0].LastRunAt == nil || !list[0].LastRunAt.Equal(ran) {
		t.Errorf("ListSchedules = %+v", list)
	}

	if err := s.DeleteSchedule(ctx, e.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, e.ID); !errors.Is(err, stepflow.ErrScheduleNotFound) {
		t.Errorf("after delete: err = %v, want ErrScheduleNotFound", err)
	}
}

func testScheduleLock(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := newEntry("locked")
	if err := s.CreateSchedule(ctx, e); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireScheduleLock(ctx, e.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("w1 acquire = %v, %v", ok, err)
	}
	ok, err = s.AcquireScheduleLock(ctx, e.ID, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("w2 acquire while held = %v, %v; want false", ok, err)
	}
	if err := s.ReleaseScheduleLock(ctx, e.ID, w1); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireScheduleLock(ctx, e.ID, w2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("w2 acquire after release = %v, %v", ok, err)
	}
}
