package stepflow

import (
	"context"
	"errors"
	"log/slog"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime. It covers
// lifecycle operations only; the full composite interface (store.Store)
// is used by the subsystems.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Component is a long-running part of a deployment (engine, worker pool,
// scheduler, HTTP listener).
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// namedComponent pairs a component with the name used in logs.
type namedComponent struct {
	name string
	c    Component
}

// Runtime starts components in registration order and stops them in
// reverse, closing the store last.
type Runtime struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	components []namedComponent
	started    int
}

// New creates a Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.store == nil {
		return nil, ErrNoStore
	}
	return r, nil
}

// Logger returns the runtime's logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Store returns the runtime's store.
func (r *Runtime) Store() Storer { return r.store }

// Config returns a copy of the runtime's configuration.
func (r *Runtime) Config() Config { return r.config }

// Start pings the store and starts every component. If a component fails
// to start, the ones already running are stopped.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	for i, nc := range r.components {
		if err := nc.c.Start(ctx); err != nil {
			r.logger.Error("component start failed",
				slog.String("component", nc.name),
				slog.String("error", err.Error()),
			)
			r.started = i
			_ = r.Stop(ctx)
			return err
		}
		r.logger.Debug("component started", slog.String("component", nc.name))
	}
	r.started = len(r.components)
	return nil
}

// Stop stops started components in reverse order and closes the store.
func (r *Runtime) Stop(ctx context.Context) error {
	var errs []error
	for i := r.started - 1; i >= 0; i-- {
		nc := r.components[i]
		if err := nc.c.Stop(ctx); err != nil {
			r.logger.Error("component stop error",
				slog.String("component", nc.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	r.started = 0
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) error {
		r.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. Typically a store.Store.
func WithStore(s Storer) Option {
	return func(r *Runtime) error {
		r.store = s
		return nil
	}
}

// WithComponent appends a component to the start order.
func WithComponent(name string, c Component) Option {
	return func(r *Runtime) error {
		if c == nil {
			return errors.New("stepflow: nil component " + name)
		}
		r.components = append(r.components, namedComponent{name: name, c: c})
		return nil
	}
}
