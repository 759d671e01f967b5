package relayhook

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Publisher delivers relay events.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, evt *Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt *Event) error { return f(ctx, evt) }

// RedisPublisher publishes JSON-encoded events on a Redis channel.
type RedisPublisher struct {
	client  goredis.UniversalClient
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client goredis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the pub/sub channel events are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish encodes evt and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("relayhook: encode %s: %w", evt.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("relayhook: publish %s: %w", evt.Type, err)
	}
	return nil
}
