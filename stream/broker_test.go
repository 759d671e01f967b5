package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-1", TopicTasks)

	evt := &Event{
		Type:      EventTaskScheduled,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic("exec-123"),
		Data:      json.RawMessage(`{"execution_id":"exec-123"}`),
	}
	b.publish(evt)

	// Event should arrive on the subscriber channel.
	select {
	case received := <-sub.C():
		if received.Type != EventTaskScheduled {
			t.Errorf("Type = %q, want %q", received.Type, EventTaskScheduled)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to firehose should get everything.
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	// Subscribe to just tasks.
	tasksSub := b.Subscribe("tasks-sub", TopicTasks)

	// Publish a task event.
	evt := &Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic("exec-456"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Both should receive the event.
	for _, sub := range []*Subscriber{firehose, tasksSub} {
		select {
		case <-sub.C():
			// ok
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", sub.ID())
		}
	}
}

func TestBrokerExecutionTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to specific execution.
	sub := b.Subscribe("exec-sub", ExecutionTopic("exec-abc"))

	// Publish event to that execution.
	evt := &Event{
		Type:      EventExecutionSucceeded,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic("exec-abc"),
		Data:      json.RawMessage(`{"status":"SUCCEEDED"}`),
	}
	b.publish(evt)

	select {
	case received := <-sub.C():
		if received.Type != EventExecutionSucceeded {
			t.Errorf("Type = %q, want %q", received.Type, EventExecutionSucceeded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execution event")
	}

	// Publish event to different execution, should NOT arrive.
	evt2 := &Event{
		Type:      EventExecutionStarted,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic("exec-other"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt2)

	select {
	case <-sub.C():
		t.Fatal("should not receive event for different execution")
	case <-time.After(50 * time.Millisecond):
		// ok, no event
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-rm", TopicFirehose)

	// Remove subscriber.
	b.RemoveSubscriber("sub-rm")

	evt := &Event{
		Type:      EventTaskScheduled,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic("e1"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt)

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	_ = b.Subscribe("s1", TopicTasks)
	_ = b.Subscribe("s2", TopicExecutions, TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)

	evt := &Event{Type: EventTaskScheduled, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// Should accept 2 events (initial credits).
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// Third should fail: no credits.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}

	// Replenish credits.
	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventTaskFailed
	})

	// Should be rejected by filter.
	if sub.send(&Event{Type: EventTaskRetrying, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("retry event should be filtered out")
	}

	// Should pass filter.
	if !sub.send(&Event{Type: EventTaskFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicTasks, true},
		{TopicExecutions, true},
		{TopicFirehose, true},
		{"execution:exec-123", true},
		{"definition:orders", true},
		{"handler:charge", true},
		{"invalid", false},
		{"unknown:entity", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	// Unsubscribe s2 from topic-a.
	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	// UnsubscribeAll for s1.
	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)

	// Subscribe to multiple topics.
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	evt := &Event{Type: EventTaskScheduled, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered, _ := tr.Broadcast([]string{"topic-x", "topic-y"}, evt)
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		evt      *Event
		expected []string
	}{
		{
			evt:      &Event{Type: EventTaskScheduled, Topic: "execution:e1"},
			expected: []string{TopicFirehose, TopicTasks, "execution:e1"},
		},
		{
			evt:      &Event{Type: EventExecutionStarted, Topic: "execution:e1"},
			expected: []string{TopicFirehose, TopicExecutions, "execution:e1"},
		},
		{
			evt:      &Event{Type: EventScheduleFired, Topic: ""},
			expected: []string{TopicFirehose},
		},
		{
			evt:      &Event{Type: EventHistory, Topic: "execution:e1"},
			expected: []string{"execution:e1"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.evt.Type), func(t *testing.T) {
			topics := resolveTopics(tt.evt)
			if len(topics) != len(tt.expected) {
				t.Errorf("got %d topics, want %d: %v", len(topics), len(tt.expected), topics)
				return
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}

func TestBrokerPublishHistory(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	execID := id.NewExecutionID()
	sub := b.Subscribe("history-sub", ExecutionTopic(execID.String()))
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	events := []*execution.Event{
		{ExecutionID: execID, Seq: 3, Kind: execution.KindStateExited, State: "Charge"},
		{ExecutionID: execID, Seq: 4, Kind: execution.KindStateEntered, State: "Ship"},
	}
	b.PublishHistory(execID, events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []int64{3, 4} {
		got, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("timed out waiting for seq %d", want)
		}
		if got.Type != EventHistory || got.Seq != want {
			t.Fatalf("got %s seq %d, want history seq %d", got.Type, got.Seq, want)
		}
		var ev execution.Event
		if err := json.Unmarshal(got.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Seq != want {
			t.Errorf("payload seq = %d, want %d", ev.Seq, want)
		}
	}

	// History stays off the firehose.
	select {
	case <-firehose.C():
		t.Fatal("firehose should not receive raw history")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerLifecycleHooks(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	exec := &execution.Execution{
		ID:             id.NewExecutionID(),
		Name:           "order-1",
		DefinitionName: "orders",
		Status:         execution.StatusFailed,
		Error:          "PaymentDeclined",
	}
	byDef := b.Subscribe("def-sub", DefinitionTopic("orders"))
	byHandler := b.Subscribe("handler-sub", HandlerTopic("charge"))

	_ = b.OnExecutionFailed(context.Background(), exec)
	_ = b.OnTaskScheduled(context.Background(), &task.Task{ExecutionID: exec.ID, Handler: "charge", StateName: "Charge"})

	select {
	case evt := <-byDef.C():
		var data ExecutionEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.Type != EventExecutionFailed || data.Error != "PaymentDeclined" || data.Status != "FAILED" {
			t.Errorf("unexpected event %s %+v", evt.Type, data)
		}
	case <-time.After(time.Second):
		t.Fatal("definition subscriber timed out")
	}

	select {
	case evt := <-byHandler.C():
		if evt.Type != EventTaskScheduled {
			t.Errorf("Type = %q, want %q", evt.Type, EventTaskScheduled)
		}
	case <-time.After(time.Second):
		t.Fatal("handler subscriber timed out")
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("s", TopicFirehose)
	_ = b.OnShutdown(context.Background())

	if _, ok := sub.Next(context.Background()); ok {
		t.Fatal("expected closed subscriber")
	}
	if b.Stats().SubscriberCount != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.Stats().SubscriberCount)
	}
}

func TestBrokerCountsDropped(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), WithDefaultCredits(1))
	_ = b.Subscribe("s", TopicFirehose)

	_ = b.OnScheduleFired(context.Background(), "nightly", id.NewExecutionID())
	_ = b.OnScheduleFired(context.Background(), "nightly", id.NewExecutionID())

	stats := b.Stats()
	if stats.TotalPublished != 1 || stats.TotalDropped != 1 {
		t.Errorf("published=%d dropped=%d, want 1 and 1", stats.TotalPublished, stats.TotalDropped)
	}
}
