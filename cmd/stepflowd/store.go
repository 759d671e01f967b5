package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/store"
	"github.com/xraph/stepflow/store/memory"
	mongostore "github.com/xraph/stepflow/store/mongo"
	"github.com/xraph/stepflow/store/postgres"
	redisstore "github.com/xraph/stepflow/store/redis"
	"github.com/xraph/stepflow/store/sqlite"
)

// ownedStore closes a client the backend does not own after the store.
type ownedStore struct {
	store.Store
	closeClient func() error
}

func (s *ownedStore) Close() error {
	return errors.Join(s.Store.Close(), s.closeClient())
}

// openStore connects the backend named by cfg.Driver.
func openStore(ctx context.Context, cfg stepflow.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory store; executions do not survive a restart")
		return memory.New(), nil

	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "stepflow.db"
		}
		return sqlite.Open(ctx, path, sqlite.WithLogger(logger))

	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("stepflowd: postgres store needs a dsn")
		}
		return postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))

	case "redis":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		opts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("stepflowd: parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		return &ownedStore{
			Store:       redisstore.New(client, redisstore.WithLogger(logger)),
			closeClient: client.Close,
		}, nil

	case "mongo":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "mongodb://localhost:27017"
		}
		database := cfg.Database
		if database == "" {
			database = "stepflow"
		}
		client, err := mongod.Connect(options.Client().ApplyURI(dsn))
		if err != nil {
			return nil, fmt.Errorf("stepflowd: connect mongo: %w", err)
		}
		return &ownedStore{
			Store: mongostore.New(client.Database(database), mongostore.WithLogger(logger)),
			closeClient: func() error {
				return client.Disconnect(context.WithoutCancel(ctx))
			},
		}, nil

	default:
		return nil, fmt.Errorf("stepflowd: unknown store driver %q", cfg.Driver)
	}
}
