package relayhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	rh "github.com/xraph/stepflow/relay_hook"
)

// ── Helpers ─────────────────────────────────────────

type capture struct {
	mu     sync.Mutex
	events []*rh.Event
}

func (c *capture) Publish(_ context.Context, evt *rh.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capture) last(t *testing.T) *rh.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no event published")
	}
	return c.events[len(c.events)-1]
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestExecution() *execution.Execution {
	return &execution.Execution{
		ID:                id.NewExecutionID(),
		Name:              "order-42",
		DefinitionName:    "order",
		DefinitionVersion: 1,
		Status:            execution.StatusRunning,
	}
}

// decode round-trips the payload through JSON so tests see what consumers see.
func decode(t *testing.T, evt *rh.Event) map[string]any {
	t.Helper()
	raw, err := json.Marshal(evt.Data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

// ── Tests ───────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	if got := rh.New(&capture{}).Name(); got != "relay-hook" {
		t.Errorf("Name = %q", got)
	}
}

func TestExtension_ExecutionStarted(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub)
	exec := newTestExecution()

	if err := h.OnExecutionStarted(context.Background(), exec); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}

	evt := pub.last(t)
	if evt.Type != rh.EventExecutionStarted {
		t.Errorf("Type = %q", evt.Type)
	}
	if !strings.HasPrefix(evt.ID, "evt_") {
		t.Errorf("ID = %q, want evt_ prefix", evt.ID)
	}
	if evt.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	data := decode(t, evt)
	if data["execution_id"] != exec.ID.String() || data["definition"] != "order" {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["parent_id"]; ok {
		t.Error("parent_id set for a top-level execution")
	}
}

func TestExtension_ExecutionFailed(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub)
	exec := newTestExecution()
	exec.Status = execution.StatusFailed
	exec.Error = "CardDeclined"
	exec.Cause = "insufficient funds"

	_ = h.OnExecutionFailed(context.Background(), exec)

	data := decode(t, pub.last(t))
	if data["error"] != "CardDeclined" || data["cause"] != "insufficient funds" || data["status"] != "FAILED" {
		t.Errorf("data = %v", data)
	}
}

func TestExtension_TaskRetrying(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub)

	_ = h.OnTaskRetrying(context.Background(), newTestExecution(), "Charge", 2, time.Second)

	data := decode(t, pub.last(t))
	if data["state"] != "Charge" || data["attempt"] != float64(2) {
		t.Errorf("data = %v", data)
	}
	if _, err := time.Parse(time.RFC3339Nano, data["retry_at"].(string)); err != nil {
		t.Errorf("retry_at: %v", err)
	}
}

func TestExtension_ScheduleFired(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub)
	execID := id.NewExecutionID()

	_ = h.OnScheduleFired(context.Background(), "nightly", execID)

	data := decode(t, pub.last(t))
	if data["entry_name"] != "nightly" || data["execution_id"] != execID.String() {
		t.Errorf("data = %v", data)
	}
}

func TestExtension_WithEvents(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub, rh.WithEvents(rh.EventExecutionFailed))
	ctx := context.Background()
	exec := newTestExecution()

	_ = h.OnExecutionStarted(ctx, exec)
	_ = h.OnExecutionSucceeded(ctx, exec, time.Second)
	if pub.count() != 0 {
		t.Fatalf("published %d disabled events", pub.count())
	}
	_ = h.OnExecutionFailed(ctx, exec)
	if pub.count() != 1 {
		t.Errorf("published %d events, want 1", pub.count())
	}
}

func TestExtension_WithPayloadFunc(t *testing.T) {
	pub := &capture{}
	h := rh.New(pub, rh.WithPayloadFunc(rh.EventExecutionStarted, func(any) (any, error) {
		return map[string]string{"custom": "yes"}, nil
	}))

	_ = h.OnExecutionStarted(context.Background(), newTestExecution())
	if data := decode(t, pub.last(t)); data["custom"] != "yes" {
		t.Errorf("data = %v", data)
	}
}

func TestExtension_PayloadFuncError(t *testing.T) {
	h := rh.New(&capture{}, rh.WithPayloadFunc(rh.EventExecutionStarted, func(any) (any, error) {
		return nil, errors.New("bad payload")
	}))
	if err := h.OnExecutionStarted(context.Background(), newTestExecution()); err == nil {
		t.Error("payload error not returned")
	}
}

func TestExtension_PublishErrorSwallowed(t *testing.T) {
	failing := rh.PublisherFunc(func(context.Context, *rh.Event) error {
		return errors.New("broker down")
	})
	h := rh.New(failing, rh.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := h.OnExecutionStarted(context.Background(), newTestExecution()); err != nil {
		t.Errorf("publish failure propagated: %v", err)
	}
}

func TestExtension_ViaRegistry(t *testing.T) {
	pub := &capture{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(rh.New(pub))

	ctx := context.Background()
	exec := newTestExecution()
	reg.EmitExecutionStarted(ctx, exec)
	reg.EmitExecutionSucceeded(ctx, exec, time.Second)
	reg.EmitExecutionFailed(ctx, exec)
	reg.EmitExecutionStopped(ctx, exec)
	reg.EmitTaskSucceeded(ctx, exec, "Charge", time.Millisecond)
	reg.EmitTaskFailed(ctx, exec, "Charge", "Timeout", "")
	reg.EmitTaskRetrying(ctx, exec, "Charge", 1, time.Second)
	reg.EmitScheduleFired(ctx, "hourly", exec.ID)

	if want := len(rh.AllDefinitions()); pub.count() != want {
		t.Errorf("published %d events, want %d", pub.count(), want)
	}
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("STEPFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("STEPFLOW_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	pub := rh.NewRedisPublisher(client, "stepflow.test.events")
	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := rh.New(pub)
	exec := newTestExecution()
	if err := h.OnExecutionStarted(ctx, exec); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var evt struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.Type != rh.EventExecutionStarted || evt.Data["execution_id"] != exec.ID.String() {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}
