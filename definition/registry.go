package definition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/stepflow"
)

// Registry validates, versions and caches definitions on top of a Store.
// Registering a document identical to the latest version returns that
// version; any change produces version latest+1. Running executions keep
// the version they started with. It is safe for concurrent use.
type Registry struct {
	store Store
	now   func() time.Time

	mu    sync.RWMutex
	cache map[Ref]*Definition
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[Ref]*Definition),
	}
}

// Register validates def and stores it as a new version unless the latest
// version already has the same content. Validation warnings are returned
// alongside the accepted definition.
func (r *Registry) Register(ctx context.Context, def *Definition) (*Definition, []stepflow.ValidationError, error) {
	warnings, err := Check(def)
	if err != nil {
		return nil, warnings, err
	}

	digest, err := Digest(def)
	if err != nil {
		return nil, warnings, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A concurrent replica may take the same version; retry once with a
	// fresh view of the latest version.
	for attempt := 0; attempt < 2; attempt++ {
		latest, err := r.store.LatestDefinition(ctx, def.Name)
		switch {
		case errors.Is(err, stepflow.ErrDefinitionNotFound):
			latest = nil
		case err != nil:
			return nil, warnings, &stepflow.StoreError{Op: "latest definition", Err: err}
		}
		if latest != nil && latest.Digest == digest {
			r.cache[latest.Ref()] = latest
			return latest, warnings, nil
		}

		accepted := *def
		accepted.Version = 1
		if latest != nil {
			accepted.Version = latest.Version + 1
		}
		accepted.Digest = digest
		accepted.CreatedAt = r.now()

		err = r.store.PutDefinition(ctx, &accepted)
		if errors.Is(err, stepflow.ErrDefinitionExists) {
			continue
		}
		if err != nil {
			return nil, warnings, &stepflow.StoreError{Op: "put definition", Err: err}
		}
		r.cache[accepted.Ref()] = &accepted
		return &accepted, warnings, nil
	}
	return nil, warnings, fmt.Errorf("definition %q: %w", def.Name, stepflow.ErrDefinitionExists)
}

// RegisterDocument parses a YAML or JSON document and registers it.
func (r *Registry) RegisterDocument(ctx context.Context, data []byte) (*Definition, []stepflow.ValidationError, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, nil, &stepflow.DefinitionError{Errors: []stepflow.ValidationError{{Message: err.Error()}}}
	}
	return r.Register(ctx, def)
}

// Get returns one version of a definition. A version <= 0 selects the
// latest.
func (r *Registry) Get(ctx context.Context, name string, version int) (*Definition, error) {
	if version <= 0 {
		def, err := r.store.LatestDefinition(ctx, name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[def.Ref()] = def
		r.mu.Unlock()
		return def, nil
	}

	ref := Ref{Name: name, Version: version}
	r.mu.RLock()
	def, ok := r.cache[ref]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[ref] = def
	r.mu.Unlock()
	return def, nil
}

// List returns the latest version of every definition.
func (r *Registry) List(ctx context.Context) ([]*Definition, error) {
	return r.store.ListDefinitions(ctx)
}

// Digest hashes the content of a definition, ignoring the fields the
// registry assigns.
func Digest(def *Definition) (string, error) {
	c := *def
	c.Version = 0
	c.Digest = ""
	c.CreatedAt = time.Time{}
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("definition: digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
