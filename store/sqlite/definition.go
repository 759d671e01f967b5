package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

// PutDefinition persists a new definition version.
func (s *Store) PutDefinition(ctx context.Context, def *definition.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: encode definition: %w", err)
	}
	created := def.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stepflow_definitions (name, version, body, created_at) VALUES (?, ?, ?, ?)`,
		def.Name, def.Version, body, created.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDefinitionExists
		}
		return fmt.Errorf("stepflow/sqlite: put definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves one version of a definition.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM stepflow_definitions WHERE name = ? AND version = ?`, name, version,
	).Scan(&body)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("stepflow/sqlite: get definition: %w", err)
	}
	return decodeDefinition(body)
}

// LatestDefinition retrieves the highest version of a definition.
func (s *Store) LatestDefinition(ctx context.Context, name string) (*definition.Definition, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM stepflow_definitions WHERE name = ? ORDER BY version DESC LIMIT 1`, name,
	).Scan(&body)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("stepflow/sqlite: latest definition: %w", err)
	}
	return decodeDefinition(body)
}

// ListDefinitions returns the latest version of every definition.
func (s *Store) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.body FROM stepflow_definitions d
		JOIN (SELECT name, MAX(version) AS version FROM stepflow_definitions GROUP BY name) latest
			ON d.name = latest.name AND d.version = latest.version
		ORDER BY d.name`)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: list definitions: %w", err)
	}
	defer rows.Close()

	var result []*definition.Definition
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stepflow/sqlite: scan definition: %w", err)
		}
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	return result, rows.Err()
}

func decodeDefinition(body []byte) (*definition.Definition, error) {
	var def definition.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: decode definition: %w", err)
	}
	return &def, nil
}
