package definition

import "context"

// Store defines the persistence contract for definitions. Definitions are
// keyed by (name, version) and never updated once written.
type Store interface {
	// PutDefinition persists a new definition version. Returns
	// stepflow.ErrDefinitionExists if the (name, version) pair is taken.
	PutDefinition(ctx context.Context, def *Definition) error

	// GetDefinition retrieves one version of a definition.
	GetDefinition(ctx context.Context, name string, version int) (*Definition, error)

	// LatestDefinition retrieves the highest version of a definition.
	LatestDefinition(ctx context.Context, name string) (*Definition, error)

	// ListDefinitions returns the latest version of every definition,
	// ordered by name.
	ListDefinitions(ctx context.Context) ([]*Definition, error)
}
