package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/store"
	"github.com/xraph/stepflow/store/memory"
	"github.com/xraph/stepflow/store/storetest"
)

var _ store.Store = (*memory.Store)(nil)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, stepflow.ErrStoreClosed) {
		t.Errorf("Ping after Close = %v, want ErrStoreClosed", err)
	}
}

func TestReturnsCopies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	exec, events := storetest.NewExecution("order", "copies", testTime)
	if err := s.CreateExecution(ctx, exec, events); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, _ := s.GetExecution(ctx, exec.ID)
	got.Status = "MUTATED"
	got.Input[0] = '['

	again, _ := s.GetExecution(ctx, exec.ID)
	if again.Status == "MUTATED" || again.Input[0] != '{' {
		t.Error("GetExecution must return an isolated copy")
	}
}

var testTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
