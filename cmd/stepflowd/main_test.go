package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/store/memory"
)

const echoYAML = `
name: echo-flow
startAt: Echo
states:
  Echo:
    type: Task
    handler: echo
    next: Route
  Route:
    type: Choice
    choices:
      - variable: $.status
        operator: "=="
        value: ok
        next: Done
    default: Failed
  Done:
    type: Succeed
  Failed:
    type: Fail
    error: BadStatus
`

const brokenYAML = `
name: broken
startAt: Missing
states:
  Done:
    type: Succeed
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(stepflow.LogConfig{Level: "info", Format: "json"}, &buf).Info("hello")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if rec["service"] != "stepflowd" {
		t.Errorf("service = %v", rec["service"])
	}

	buf.Reset()
	newLogger(stepflow.LogConfig{Level: "error", Format: "text"}, &buf).Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info logged at error level: %q", buf.String())
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, stepflow.StoreConfig{Driver: "memory"}, discard())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := st.(*memory.Store); !ok {
		t.Errorf("memory driver returned %T", st)
	}
	_ = st.Close()

	st, err = openStore(ctx, stepflow.StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "stepflow.db"),
	}, discard())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Errorf("sqlite migrate: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("sqlite close: %v", err)
	}

	if _, err := openStore(ctx, stepflow.StoreConfig{Driver: "cassandra"}, discard()); err == nil {
		t.Error("unknown driver accepted")
	}
	if _, err := openStore(ctx, stepflow.StoreConfig{Driver: "postgres"}, discard()); err == nil {
		t.Error("postgres without dsn accepted")
	}
}

func TestValidateCommand(t *testing.T) {
	good := writeFile(t, "echo.yaml", echoYAML)
	bad := writeFile(t, "broken.yaml", brokenYAML)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate good: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "ok (echo-flow") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", good, bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("validate accepted a broken definition")
	}
	if !strings.Contains(out.String(), "broken.yaml: error:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateCommand_RequiresFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"validate"})
	if err := cmd.Execute(); err == nil {
		t.Error("validate with no files succeeded")
	}
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stepflow.db")
	cfgPath := writeFile(t, "stepflow.yaml", "log:\n  level: error\nstore:\n  driver: sqlite\n  dsn: "+dbPath+"\n")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestDaemon_RunsExecutionEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := stepflow.DefaultConfig()
	cfg.Worker.PollTimeout = 100 * time.Millisecond
	cfg.Schedule = []stepflow.ScheduleConfig{
		{Name: "nightly", Cron: "0 3 * * *", Definition: "echo-flow", Input: `{"status":"ok"}`},
	}

	d, err := build(cfg, memory.New(), discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := d.registerDefinitions(ctx, []string{writeFile(t, "echo.yaml", echoYAML)}); err != nil {
		t.Fatalf("registerDefinitions: %v", err)
	}
	if err := d.runtime.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.runtime.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	if err := d.syncSchedules(ctx, cfg.Schedule); err != nil {
		t.Fatalf("syncSchedules: %v", err)
	}
	if err := d.syncSchedules(ctx, cfg.Schedule); err != nil {
		t.Errorf("second syncSchedules: %v", err)
	}

	exec, err := d.engine.StartExecution(ctx, engine.StartRequest{
		Definition: "echo-flow",
		Input:      json.RawMessage(`{"status":"ok"}`),
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		desc, err := d.engine.DescribeExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("DescribeExecution: %v", err)
		}
		if desc.Execution.Status == execution.StatusSucceeded {
			break
		}
		if desc.Execution.Status != execution.StatusRunning {
			t.Fatalf("status = %s (%s: %s)", desc.Execution.Status, desc.Execution.Error, desc.Execution.Cause)
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution still %s in %s", desc.Execution.Status, desc.Execution.CurrentState)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSyncSchedules_RejectsBadInput(t *testing.T) {
	d, err := build(stepflow.DefaultConfig(), memory.New(), discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	err = d.syncSchedules(context.Background(), []stepflow.ScheduleConfig{
		{Name: "bad", Cron: "@hourly", Definition: "x", Input: "{not json"},
	})
	if !errors.Is(err, stepflow.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBuild_RelayNeedsRedis(t *testing.T) {
	cfg := stepflow.DefaultConfig()
	cfg.Relay.Enabled = true
	if _, err := build(cfg, memory.New(), discard()); err == nil {
		t.Error("relay without redis url accepted")
	}

	cfg.Relay.RedisURL = "redis://localhost:6379/0"
	cfg.Audit.Enabled = true
	d, err := build(cfg, memory.New(), discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	names := make(map[string]bool)
	for _, x := range d.engine.Extensions().Extensions() {
		names[x.Name()] = true
	}
	if !names["audit-hook"] || !names["relay-hook"] {
		t.Errorf("extensions = %v", names)
	}
}
