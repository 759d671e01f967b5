package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

// PutDefinition persists a new definition version.
func (s *Store) PutDefinition(ctx context.Context, def *definition.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("stepflow/postgres: encode definition: %w", err)
	}
	created := def.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stepflow_definitions (name, version, body, created_at) VALUES ($1, $2, $3, $4)`,
		def.Name, def.Version, body, created,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDefinitionExists
		}
		return fmt.Errorf("stepflow/postgres: put definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves one version of a definition.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT body FROM stepflow_definitions WHERE name = $1 AND version = $2`, name, version)
	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("stepflow/postgres: get definition: %w", err)
	}
	return def, nil
}

// LatestDefinition retrieves the highest version of a definition.
func (s *Store) LatestDefinition(ctx context.Context, name string) (*definition.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT body FROM stepflow_definitions WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("stepflow/postgres: latest definition: %w", err)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *Store) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name) body
		FROM stepflow_definitions
		ORDER BY name, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var result []*definition.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("stepflow/postgres: scan definition: %w", err)
		}
		result = append(result, def)
	}
	return result, rows.Err()
}

func scanDefinition(row pgx.Row) (*definition.Definition, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var def definition.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}
