package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/stepflow/dwp"
	"github.com/xraph/stepflow/stream"
)

// Subscribe subscribes the connection to a stream topic. Matching events
// arrive on Events.
//
// Topics follow the stream convention:
//   - "execution:<id>"     events and committed history of one execution
//   - "definition:<name>"  lifecycle events of a definition's executions
//   - "handler:<name>"     task.scheduled events for a handler
//   - "executions"         every execution lifecycle event
//   - "tasks"              every task event
//   - "firehose"           everything except history
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: channel}); err != nil {
		return fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	c.channels.Store(channel, struct{}{})
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.channels.Delete(channel)
	_, err := c.request(ctx, dwp.MethodUnsubscribe, dwp.UnsubscribeRequest{Channel: channel})
	return err
}

// Events returns the channel every subscribed event is delivered to. It is
// closed when the client closes or the connection is lost for good.
func (c *Client) Events() <-chan *stream.Event { return c.events }

// Watch subscribes to one execution and returns a channel of its events,
// history included. The channel closes after the execution's terminal
// lifecycle event.
func (c *Client) Watch(ctx context.Context, executionID string) (<-chan *stream.Event, error) {
	topic := stream.ExecutionTopic(executionID)
	ch := make(chan *stream.Event, 64)

	c.watchMu.Lock()
	if c.watchers == nil {
		c.watchMu.Unlock()
		return nil, ErrClosed
	}
	c.watchers[topic] = append(c.watchers[topic], ch)
	c.watchMu.Unlock()

	if err := c.Subscribe(ctx, topic); err != nil {
		c.dropWatcher(topic, ch)
		return nil, err
	}
	return ch, nil
}

func (c *Client) dropWatcher(topic string, ch chan *stream.Event) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	list := c.watchers[topic]
	for i, w := range list {
		if w == ch {
			c.watchers[topic] = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(c.watchers[topic]) == 0 {
		delete(c.watchers, topic)
	}
}

// deliver routes an event to Events and to watchers of its topic. Slow
// consumers drop events rather than stall the read loop.
func (c *Client) deliver(evt *stream.Event) {
	c.watchMu.Lock()
	if c.watchers == nil {
		c.watchMu.Unlock()
		return
	}
	select {
	case c.events <- evt:
	default:
	}
	watchers := c.watchers[evt.Topic]
	for _, ch := range watchers {
		select {
		case ch <- evt:
		default:
		}
	}
	if terminal(evt.Type) && len(watchers) > 0 {
		for _, ch := range watchers {
			close(ch)
		}
		delete(c.watchers, evt.Topic)
	}
	c.watchMu.Unlock()

	if n := c.received.Add(1); c.creditBatch > 0 && n%int64(c.creditBatch) == 0 {
		c.grantCredits(c.creditBatch)
	}
}

func terminal(t stream.EventType) bool {
	switch t {
	case stream.EventExecutionSucceeded, stream.EventExecutionFailed, stream.EventExecutionStopped:
		return true
	}
	return false
}

// grantCredits returns n delivery credits to the server-side subscriber.
func (c *Client) grantCredits(n int) {
	err := c.writeFrame(&dwp.Frame{
		V:         dwp.Version,
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameRequest,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Debug("dwp client: credit grant failed", slog.String("error", err.Error()))
	}
}

// resubscribe restores server-side subscriptions after a reconnect.
func (c *Client) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	c.channels.Range(func(key, _ any) bool {
		channel := key.(string) //nolint:errcheck // channels map always stores string keys
		if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: channel}); err != nil {
			c.logger.Warn("dwp client: resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

// closeSubscriptions closes Events and every watcher channel once.
func (c *Client) closeSubscriptions() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watchers == nil {
		return
	}
	for _, list := range c.watchers {
		for _, ch := range list {
			close(ch)
		}
	}
	c.watchers = nil
	close(c.events)
}
