package engine

import (
	"context"
	"log/slog"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

// RegisterDefinition parses, validates and stores a YAML or JSON
// definition document. Registering unchanged content returns the existing
// version. Warnings are returned with the accepted definition; a rejected
// document yields a *stepflow.DefinitionError.
func (e *Engine) RegisterDefinition(ctx context.Context, doc []byte) (*definition.Definition, []stepflow.ValidationError, error) {
	def, warnings, err := e.defs.RegisterDocument(ctx, doc)
	if err != nil {
		return nil, warnings, err
	}
	e.logger.Info("definition registered",
		slog.String("definition", def.Name),
		slog.Int("version", def.Version),
		slog.Int("warnings", len(warnings)),
	)
	return def, warnings, nil
}

// ValidateDefinition checks a document without storing it. It returns
// every finding; valid reports whether none of them is an error.
func (e *Engine) ValidateDefinition(doc []byte) (valid bool, findings []stepflow.ValidationError) {
	def, err := definition.Parse(doc)
	if err != nil {
		return false, []stepflow.ValidationError{{Message: err.Error()}}
	}
	return definition.Validate(def)
}

// GetDefinition returns one version of a definition; version <= 0 selects
// the latest.
func (e *Engine) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	return e.defs.Get(ctx, name, version)
}

// ListDefinitions returns the latest version of every definition.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*definition.Definition, error) {
	return e.defs.List(ctx)
}

// Stats is a point-in-time view of the engine's load.
type Stats struct {
	Running int `json:"running"`
	Ready   int `json:"ready"`
}

// Stats returns the engine's current load.
func (e *Engine) Stats() Stats {
	return Stats{Running: e.Running(), Ready: e.ready.len()}
}
