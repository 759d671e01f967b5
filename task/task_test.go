package task_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/queue"
	"github.com/xraph/stepflow/task"
)

func newTask(handler string, deadline time.Time) *task.Task {
	return &task.Task{
		Token:       id.NewTaskToken(),
		ExecutionID: id.NewExecutionID(),
		StateName:   "S",
		Handler:     handler,
		Input:       json.RawMessage(`{"n":1}`),
		Attempt:     1,
		Deadline:    deadline,
		ScheduledAt: time.Now(),
	}
}

func newDispatcher(opts ...task.DispatcherOption) *task.Dispatcher {
	opts = append([]task.DispatcherOption{
		task.WithDispatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		task.WithRecheckInterval(10 * time.Millisecond),
	}, opts...)
	return task.NewDispatcher(opts...)
}

func TestDispatcher_FIFO(t *testing.T) {
	d := newDispatcher()
	ctx := context.Background()
	first := newTask("a", time.Time{})
	second := newTask("a", time.Time{})
	_ = d.Dispatch(ctx, first)
	_ = d.Dispatch(ctx, second)

	got, err := d.Poll(ctx, []string{"a"}, "w1")
	if err != nil || got == nil || got.Token != first.Token {
		t.Fatalf("Poll = %v, %v; want first task", got, err)
	}
	got, _ = d.Poll(ctx, []string{"a"}, "w1")
	if got == nil || got.Token != second.Token {
		t.Fatalf("Poll = %v; want second task", got)
	}
}

func TestDispatcher_PollWaits(t *testing.T) {
	d := newDispatcher()
	want := newTask("b", time.Time{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = d.Dispatch(context.Background(), want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := d.Poll(ctx, []string{"a", "b"}, "w1")
	if err != nil || got == nil || got.Token != want.Token {
		t.Fatalf("Poll = %v, %v", got, err)
	}
}

func TestDispatcher_PollTimeout(t *testing.T) {
	d := newDispatcher()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := d.Poll(ctx, []string{"none"}, "w1")
	if got != nil || err != nil {
		t.Fatalf("Poll = %v, %v; want nil, nil", got, err)
	}
}

func TestDispatcher_SkipsExpired(t *testing.T) {
	d := newDispatcher()
	ctx := context.Background()
	expired := newTask("a", time.Now().Add(-time.Second))
	live := newTask("a", time.Now().Add(time.Hour))
	_ = d.Dispatch(ctx, expired)
	_ = d.Dispatch(ctx, live)

	got, _ := d.Poll(ctx, []string{"a"}, "w1")
	if got == nil || got.Token != live.Token {
		t.Fatalf("Poll = %v; want the live task", got)
	}
}

func TestDispatcher_RetireUndelivered(t *testing.T) {
	d := newDispatcher()
	ctx := context.Background()
	tk := newTask("a", time.Time{})
	_ = d.Dispatch(ctx, tk)
	d.Retire(tk.Token)
	if d.Pending("a") != 0 {
		t.Fatalf("Pending = %d after Retire, want 0", d.Pending("a"))
	}
}

func TestDispatcher_LimiterSlots(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "a", MaxConcurrency: 1})
	d := newDispatcher(task.WithLimiter(m))
	ctx := context.Background()
	first := newTask("a", time.Time{})
	second := newTask("a", time.Time{})
	_ = d.Dispatch(ctx, first)
	_ = d.Dispatch(ctx, second)

	if got, _ := d.Poll(ctx, []string{"a"}, "w1"); got == nil {
		t.Fatal("first Poll returned nothing")
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if got, _ := d.Poll(short, []string{"a"}, "w2"); got != nil {
		t.Fatal("second Poll must wait for the concurrency slot")
	}

	d.Retire(first.Token)
	if m.ActiveCount("a") != 0 {
		t.Fatalf("ActiveCount = %d after Retire, want 0", m.ActiveCount("a"))
	}
	if got, _ := d.Poll(ctx, []string{"a"}, "w2"); got == nil || got.Token != second.Token {
		t.Fatalf("Poll after Retire = %v", got)
	}
}

func TestDispatcher_Close(t *testing.T) {
	d := newDispatcher()
	done := make(chan error, 1)
	go func() {
		_, err := d.Poll(context.Background(), []string{"a"}, "w1")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	d.Close()

	select {
	case err := <-done:
		if !errors.Is(err, stepflow.ErrEngineStopped) {
			t.Errorf("Poll err = %v, want ErrEngineStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after Close")
	}
	if err := d.Dispatch(context.Background(), newTask("a", time.Time{})); !errors.Is(err, stepflow.ErrEngineStopped) {
		t.Errorf("Dispatch after Close = %v", err)
	}
}

type order struct {
	Amount int `json:"amount"`
}

type receipt struct {
	Charged int `json:"charged"`
}

func TestRegistry_Typed(t *testing.T) {
	reg := task.NewRegistry()
	task.RegisterTyped(reg, "charge", func(_ context.Context, in order) (receipt, error) {
		if in.Amount < 0 {
			return receipt{}, stepflow.NewTaskError("CardDeclined", "negative amount")
		}
		return receipt{Charged: in.Amount}, nil
	})

	h, ok := reg.Get("charge")
	if !ok {
		t.Fatal("handler not registered")
	}
	out, err := h(context.Background(), json.RawMessage(`{"amount":42}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(out) != `{"charged":42}` {
		t.Errorf("output = %s", out)
	}

	_, err = h(context.Background(), json.RawMessage(`{"amount":-1}`))
	if te := stepflow.AsTaskError(err); te.Kind != "CardDeclined" {
		t.Errorf("kind = %q, want CardDeclined", te.Kind)
	}

	_, err = h(context.Background(), json.RawMessage(`{"amount":"x"}`))
	if te := stepflow.AsTaskError(err); te.Kind != "InvalidInput" {
		t.Errorf("kind = %q, want InvalidInput", te.Kind)
	}

	if names := reg.Names(); len(names) != 1 || names[0] != "charge" {
		t.Errorf("Names = %v", names)
	}
}
