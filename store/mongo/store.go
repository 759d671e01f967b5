package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/stepflow/store"
)

// Collection name constants.
const (
	colDefinitions = "stepflow_definitions"
	colExecutions  = "stepflow_executions"
	colEvents      = "stepflow_events"
	colCheckpoints = "stepflow_checkpoints"
	colSchedules   = "stepflow_schedules"
)

var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
// The caller owns the client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

func (s *Store) col(name string) *mongod.Collection {
	return s.db.Collection(name)
}

// Migrate creates indexes for all stepflow collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("stepflow/mongo: migrate %s indexes: %w", col, err)
		}
		s.logger.Debug("ensured indexes", slog.String("collection", col), slog.Int("count", len(models)))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return err != nil && mongod.IsDuplicateKeyError(err)
}

// migrationIndexes returns the index definitions for all stepflow collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colDefinitions: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}, {Key: "version", Value: -1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colExecutions: {
			// Top-level execution names are unique per definition.
			{
				Keys: bson.D{{Key: "definition_name", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "parent_id", Value: ""}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}}},
			{Keys: bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "parent_id", Value: 1}}},
		},
		colEvents: {
			{
				Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "token", Value: 1}},
				Options: options.Index().
					SetPartialFilterExpression(bson.D{{Key: "token", Value: bson.D{{Key: "$gt", Value: ""}}}}),
			},
		},
		colSchedules: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
