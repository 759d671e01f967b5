package store

import (
	"context"

	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/schedule"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store.
type Store interface {
	definition.Store
	execution.Store
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
