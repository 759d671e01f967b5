package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

// PutDefinition persists a new definition version.
func (s *Store) PutDefinition(ctx context.Context, def *definition.Definition) error {
	m, err := toDefinitionModel(def)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: %w", err)
	}
	if _, err := s.col(colDefinitions).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDefinitionExists
		}
		return fmt.Errorf("stepflow/mongo: put definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves one version of a definition.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	return s.findDefinition(ctx, bson.D{{Key: "name", Value: name}, {Key: "version", Value: version}})
}

// LatestDefinition retrieves the highest version of a definition.
func (s *Store) LatestDefinition(ctx context.Context, name string) (*definition.Definition, error) {
	return s.findDefinition(ctx, bson.D{{Key: "name", Value: name}},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}))
}

func (s *Store) findDefinition(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOneOptions]) (*definition.Definition, error) {
	var m definitionModel
	if err := s.col(colDefinitions).FindOne(ctx, filter, opts...).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, stepflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("stepflow/mongo: get definition: %w", err)
	}
	def, err := fromDefinitionModel(&m)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: %w", err)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *Store) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	pipeline := []bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "name", Value: 1}, {Key: "version", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$name"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "name", Value: 1}}}},
	}
	cursor, err := s.col(colDefinitions).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list definitions: %w", err)
	}
	var models []definitionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list definitions: %w", err)
	}

	result := make([]*definition.Definition, 0, len(models))
	for i := range models {
		def, err := fromDefinitionModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("stepflow/mongo: %w", err)
		}
		result = append(result, def)
	}
	return result, nil
}
