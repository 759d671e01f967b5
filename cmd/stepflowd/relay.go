package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stepflow"
	relayhook "github.com/xraph/stepflow/relay_hook"
)

// relayComponent owns the Redis client behind the relay extension.
type relayComponent struct {
	client *goredis.Client
	hook   *relayhook.Extension
	logger *slog.Logger
}

func newRelay(cfg stepflow.Config, logger *slog.Logger) (*relayComponent, error) {
	url := cfg.Relay.RedisURL
	if url == "" && cfg.Store.Driver == "redis" {
		url = cfg.Store.DSN
	}
	if url == "" {
		return nil, errors.New("stepflowd: relay enabled without a redis_url")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stepflowd: parse relay redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	hookOpts := []relayhook.Option{relayhook.WithLogger(logger)}
	if len(cfg.Relay.Events) > 0 {
		hookOpts = append(hookOpts, relayhook.WithEvents(cfg.Relay.Events...))
	}
	return &relayComponent{
		client: client,
		hook:   relayhook.New(relayhook.NewRedisPublisher(client, cfg.Relay.Channel), hookOpts...),
		logger: logger,
	}, nil
}

// Start checks the connection so a misconfigured relay fails startup.
func (r *relayComponent) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("stepflowd: relay redis: %w", err)
	}
	r.logger.Info("relay publishing", slog.String("addr", r.client.Options().Addr))
	return nil
}

func (r *relayComponent) Stop(context.Context) error {
	return r.client.Close()
}
