package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Broker)(nil)
	_ ext.ExecutionStarted   = (*Broker)(nil)
	_ ext.ExecutionSucceeded = (*Broker)(nil)
	_ ext.ExecutionFailed    = (*Broker)(nil)
	_ ext.ExecutionStopped   = (*Broker)(nil)
	_ ext.TaskScheduled      = (*Broker)(nil)
	_ ext.TaskFailed         = (*Broker)(nil)
	_ ext.TaskRetrying       = (*Broker)(nil)
	_ ext.ScheduleFired      = (*Broker)(nil)
	_ ext.Shutdown           = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext.Extension
// interface to receive lifecycle events, receives committed history from
// the engine through PublishHistory, and fans both out to subscribers via
// topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., DWP server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish broadcasts an event to every topic it resolves to.
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := resolveTopics(evt, extra...)
	delivered, dropped := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── History ─────────────────────────────────────────

// PublishHistory publishes committed events of one execution to its
// execution topic, in order. The events must already carry their
// sequence numbers.
func (b *Broker) PublishHistory(execID id.ExecutionID, events []*execution.Event) {
	topic := ExecutionTopic(execID.String())
	if b.topics.SubscriberCount(topic) == 0 {
		return
	}
	for _, ev := range events {
		b.publish(&Event{
			Type:      EventHistory,
			Timestamp: ev.Time,
			Topic:     topic,
			Seq:       ev.Seq,
			Data:      mustMarshal(ev),
		})
	}
}

// ── Execution lifecycle hooks ───────────────────────

func (b *Broker) executionEvent(typ EventType, exec *execution.Execution, elapsed time.Duration) {
	b.publish(&Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic(exec.ID.String()),
		Data: mustMarshal(ExecutionEventData{
			ExecutionID: exec.ID.String(),
			Name:        exec.Name,
			Definition:  exec.DefinitionName,
			Version:     exec.DefinitionVersion,
			Status:      string(exec.Status),
			ElapsedMs:   elapsed.Milliseconds(),
			Error:       exec.Error,
			Cause:       exec.Cause,
		}),
	}, DefinitionTopic(exec.DefinitionName))
}

// OnExecutionStarted implements ext.ExecutionStarted.
func (b *Broker) OnExecutionStarted(_ context.Context, exec *execution.Execution) error {
	b.executionEvent(EventExecutionStarted, exec, 0)
	return nil
}

// OnExecutionSucceeded implements ext.ExecutionSucceeded.
func (b *Broker) OnExecutionSucceeded(_ context.Context, exec *execution.Execution, elapsed time.Duration) error {
	b.executionEvent(EventExecutionSucceeded, exec, elapsed)
	return nil
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (b *Broker) OnExecutionFailed(_ context.Context, exec *execution.Execution) error {
	b.executionEvent(EventExecutionFailed, exec, 0)
	return nil
}

// OnExecutionStopped implements ext.ExecutionStopped.
func (b *Broker) OnExecutionStopped(_ context.Context, exec *execution.Execution) error {
	b.executionEvent(EventExecutionStopped, exec, 0)
	return nil
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskScheduled implements ext.TaskScheduled.
func (b *Broker) OnTaskScheduled(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskScheduled,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic(t.ExecutionID.String()),
		Data: mustMarshal(TaskEventData{
			ExecutionID: t.ExecutionID.String(),
			State:       t.StateName,
			Handler:     t.Handler,
			Token:       t.Token,
			Attempt:     t.Attempt,
		}),
	}, HandlerTopic(t.Handler))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (b *Broker) OnTaskFailed(_ context.Context, exec *execution.Execution, state, kind, cause string) error {
	b.publish(&Event{
		Type:      EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic(exec.ID.String()),
		Data: mustMarshal(TaskEventData{
			ExecutionID: exec.ID.String(),
			State:       state,
			Kind:        kind,
			Cause:       cause,
		}),
	})
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (b *Broker) OnTaskRetrying(_ context.Context, exec *execution.Execution, state string, attempt int, delay time.Duration) error {
	b.publish(&Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     ExecutionTopic(exec.ID.String()),
		Data: mustMarshal(TaskEventData{
			ExecutionID: exec.ID.String(),
			State:       state,
			Attempt:     attempt,
			DelayMs:     delay.Milliseconds(),
		}),
	})
	return nil
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (b *Broker) OnScheduleFired(_ context.Context, entryName string, execID id.ExecutionID) error {
	b.publish(&Event{
		Type:      EventScheduleFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(ScheduleEventData{
			EntryName:   entryName,
			ExecutionID: execID.String(),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

// OnShutdown implements ext.Shutdown. Every subscriber channel is closed.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
