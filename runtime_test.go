package stepflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/xraph/stepflow"
)

type fakeStore struct {
	pingErr error
	closed  bool
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Ping(context.Context) error { return s.pingErr }
func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type recorder struct {
	calls []string
}

type fakeComponent struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
}

func (c *fakeComponent) Start(context.Context) error {
	c.rec.calls = append(c.rec.calls, "start "+c.name)
	return c.startErr
}

func (c *fakeComponent) Stop(context.Context) error {
	c.rec.calls = append(c.rec.calls, "stop "+c.name)
	return c.stopErr
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_RequiresStore(t *testing.T) {
	if _, err := stepflow.New(); !errors.Is(err, stepflow.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestNew_NilComponent(t *testing.T) {
	_, err := stepflow.New(stepflow.WithStore(&fakeStore{}), stepflow.WithComponent("engine", nil))
	if err == nil {
		t.Fatal("expected error for nil component")
	}
}

func TestRuntime_StartStopOrder(t *testing.T) {
	rec := &recorder{}
	st := &fakeStore{}
	cfg := stepflow.DefaultConfig()
	cfg.HTTP.Addr = ":1234"

	r, err := stepflow.New(
		stepflow.WithStore(st),
		stepflow.WithConfig(cfg),
		stepflow.WithLogger(quietLogger()),
		stepflow.WithComponent("engine", &fakeComponent{name: "engine", rec: rec}),
		stepflow.WithComponent("scheduler", &fakeComponent{name: "scheduler", rec: rec}),
		stepflow.WithComponent("worker", &fakeComponent{name: "worker", rec: rec}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Config().HTTP.Addr != ":1234" {
		t.Errorf("Config not applied")
	}
	if r.Store() != st {
		t.Errorf("Store() returned a different store")
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"start engine", "start scheduler", "start worker",
		"stop worker", "stop scheduler", "stop engine",
	}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
	if !st.closed {
		t.Error("store not closed on Stop")
	}
}

func TestRuntime_FailedStartUnwinds(t *testing.T) {
	rec := &recorder{}
	st := &fakeStore{}
	boom := errors.New("listen: address in use")

	r, err := stepflow.New(
		stepflow.WithStore(st),
		stepflow.WithLogger(quietLogger()),
		stepflow.WithComponent("engine", &fakeComponent{name: "engine", rec: rec}),
		stepflow.WithComponent("scheduler", &fakeComponent{name: "scheduler", rec: rec, startErr: boom}),
		stepflow.WithComponent("worker", &fakeComponent{name: "worker", rec: rec}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want %v", err, boom)
	}
	want := []string{"start engine", "start scheduler", "stop engine"}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
	if !st.closed {
		t.Error("store not closed after failed start")
	}
}

func TestRuntime_PingFailure(t *testing.T) {
	rec := &recorder{}
	down := errors.New("connection refused")
	r, err := stepflow.New(
		stepflow.WithStore(&fakeStore{pingErr: down}),
		stepflow.WithLogger(quietLogger()),
		stepflow.WithComponent("engine", &fakeComponent{name: "engine", rec: rec}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = r.Start(context.Background())
	var se *stepflow.StoreError
	if !errors.As(err, &se) || se.Op != "ping" || !errors.Is(err, down) {
		t.Fatalf("Start err = %v, want ping StoreError", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("components touched after ping failure: %v", rec.calls)
	}
}

func TestRuntime_StopJoinsErrors(t *testing.T) {
	rec := &recorder{}
	e1 := errors.New("engine drain timeout")
	e2 := errors.New("worker drain timeout")
	r, err := stepflow.New(
		stepflow.WithStore(&fakeStore{}),
		stepflow.WithLogger(quietLogger()),
		stepflow.WithComponent("engine", &fakeComponent{name: "engine", rec: rec, stopErr: e1}),
		stepflow.WithComponent("worker", &fakeComponent{name: "worker", rec: rec, stopErr: e2}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = r.Stop(ctx)
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("Stop err = %v, want both stop errors", err)
	}
}
