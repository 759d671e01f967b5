package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/store"
	"github.com/xraph/stepflow/store/sqlite"
	"github.com/xraph/stepflow/store/storetest"
)

var _ store.Store = (*sqlite.Store)(nil)

func open(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "stepflow.db"),
		sqlite.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return open(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := open(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCheckpointForUnknownExecution(t *testing.T) {
	s := open(t)
	defer s.Close()

	exec, _ := storetest.NewExecution("order", "ghost", time.Now().UTC())
	cp, err := execution.NewCheckpoint(exec)
	if err != nil {
		t.Fatalf("NewCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(context.Background(), cp); !errors.Is(err, stepflow.ErrExecutionNotFound) {
		t.Errorf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestAppendToUnknownExecution(t *testing.T) {
	s := open(t)
	defer s.Close()

	exec, events := storetest.NewExecution("order", "ghost", time.Now().UTC())
	if err := s.AppendEvents(context.Background(), exec, 0, events); !errors.Is(err, stepflow.ErrExecutionNotFound) {
		t.Errorf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestCloseOwnedHandle(t *testing.T) {
	s := open(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping after Close succeeded")
	}
}
