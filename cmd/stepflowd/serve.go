package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/api"
	audithook "github.com/xraph/stepflow/audit_hook"
	"github.com/xraph/stepflow/dwp"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/middleware"
	"github.com/xraph/stepflow/observability"
	"github.com/xraph/stepflow/queue"
	"github.com/xraph/stepflow/schedule"
	"github.com/xraph/stepflow/store"
	"github.com/xraph/stepflow/stream"
	"github.com/xraph/stepflow/task"
	"github.com/xraph/stepflow/worker"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, Control API, worker endpoint and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger := newLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override the Control API listen address")
	return cmd
}

// serve builds every component from cfg and runs until ctx is cancelled.
func serve(ctx context.Context, cfg stepflow.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("%w: %w", stepflow.ErrMigrationFailed, err)
	}

	d, err := build(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return err
	}

	if err := d.registerDefinitions(ctx, cfg.Definitions); err != nil {
		_ = st.Close()
		return err
	}

	if err := d.runtime.Start(ctx); err != nil {
		return err
	}
	if err := d.syncSchedules(ctx, cfg.Schedule); err != nil {
		logger.Error("schedule sync failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.api.Run(gctx) })
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	var dwpErr error
	if d.dwp != nil {
		dwpErr = d.dwp.Shutdown(stopCtx)
	}
	stopErr := d.runtime.Stop(stopCtx)
	logger.Info("stepflowd stopped")
	return errors.Join(runErr, dwpErr, stopErr)
}

// daemon holds the wired components of one stepflowd process.
type daemon struct {
	runtime   *stepflow.Runtime
	engine    *engine.Engine
	scheduler *schedule.Scheduler
	api       *api.Server
	dwp       *dwp.Server
	logger    *slog.Logger
}

// build wires the components over st without starting anything.
func build(cfg stepflow.Config, st store.Store, logger *slog.Logger) (*daemon, error) {
	broker := stream.NewBroker(logger)

	limits := make([]queue.Config, 0, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		limits = append(limits, queue.Config{
			Name:           h.Name,
			MaxConcurrency: h.MaxConcurrency,
			RateLimit:      h.RateLimit,
			RateBurst:      h.RateBurst,
		})
	}
	dispatcher := task.NewDispatcher(
		task.WithLimiter(queue.NewManager(limits...)),
		task.WithDispatcherLogger(logger),
	)

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConfig(cfg.Engine),
		engine.WithDispatcher(dispatcher),
		engine.WithExtension(broker),
		engine.WithExtension(observability.NewMetricsExtension()),
		engine.WithHistorySink(broker),
	}
	if cfg.Audit.Enabled {
		recorder := audithook.NewLogRecorder(logger.With(slog.String("component", "audit")))
		opts := []audithook.Option{audithook.WithLogger(logger)}
		if len(cfg.Audit.Actions) > 0 {
			opts = append(opts, audithook.WithActions(cfg.Audit.Actions...))
		}
		engOpts = append(engOpts, engine.WithExtension(audithook.New(recorder, opts...)))
	}
	var relay *relayComponent
	if cfg.Relay.Enabled {
		r, err := newRelay(cfg, logger)
		if err != nil {
			return nil, err
		}
		relay = r
		engOpts = append(engOpts, engine.WithExtension(r.hook))
	}

	eng, err := engine.New(st, engOpts...)
	if err != nil {
		return nil, err
	}

	scheduler := schedule.NewScheduler(st, startFromSchedule(eng),
		schedule.WithLogger(logger),
		schedule.WithEmitter(eng.Extensions()),
	)

	srv := api.NewServer(eng,
		api.WithLogger(logger),
		api.WithBroker(broker),
		api.WithTaskSource(dispatcher),
		api.WithPinger(st),
		api.WithConfig(cfg.HTTP),
		api.WithMaxPollWait(cfg.Worker.PollTimeout),
	)

	d := &daemon{
		engine:    eng,
		scheduler: scheduler,
		api:       srv,
		logger:    logger,
	}

	if cfg.DWP.Enabled {
		d.dwp = dwp.NewServer(broker, dwp.NewHandler(eng, dispatcher, broker, logger),
			dwp.WithLogger(logger),
			dwp.WithConfig(cfg.DWP),
			dwp.WithMaxPollWait(cfg.Worker.PollTimeout),
		)
		d.dwp.Mount(srv.Router())
	}

	opts := []stepflow.Option{
		stepflow.WithConfig(cfg),
		stepflow.WithLogger(logger),
		stepflow.WithStore(st),
	}
	if relay != nil {
		opts = append(opts, stepflow.WithComponent("relay", relay))
	}
	opts = append(opts,
		stepflow.WithComponent("engine", eng),
		stepflow.WithComponent("scheduler", scheduler),
	)
	if cfg.Worker.Enabled {
		reg := task.NewRegistry()
		registerBuiltins(reg)
		executor := worker.NewExecutor(reg, eng, logger,
			middleware.Recover(logger),
			middleware.Logging(logger),
			middleware.Tracing(),
			middleware.Metrics(),
			middleware.Timeout(logger),
		)
		pool := worker.NewPool(dispatcher, executor, logger,
			worker.WithPoolConcurrency(cfg.Worker.Concurrency),
			worker.WithPoolHandlers(reg.Names()),
		)
		opts = append(opts, stepflow.WithComponent("worker", pool))
	}

	rt, err := stepflow.New(opts...)
	if err != nil {
		return nil, err
	}
	d.runtime = rt
	return d, nil
}

// startFromSchedule adapts Engine.StartExecution to the scheduler.
func startFromSchedule(eng *engine.Engine) schedule.StartFunc {
	return func(ctx context.Context, entry *schedule.Entry, runName string) (id.ExecutionID, error) {
		exec, err := eng.StartExecution(ctx, engine.StartRequest{
			Definition: entry.Definition,
			Version:    entry.Version,
			Name:       runName,
			Input:      entry.Input,
		})
		if err != nil {
			return id.Nil, err
		}
		return exec.ID, nil
	}
}

// registerDefinitions registers every file in paths. Warnings are logged;
// an invalid file aborts startup.
func (d *daemon) registerDefinitions(ctx context.Context, paths []string) error {
	for _, path := range paths {
		doc, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("stepflowd: read definition: %w", err)
		}
		def, findings, err := d.engine.RegisterDefinition(ctx, doc)
		if err != nil {
			return fmt.Errorf("stepflowd: register %s: %w", path, err)
		}
		for _, f := range findings {
			d.logger.Warn("definition warning",
				slog.String("file", path),
				slog.String("finding", f.Error()),
			)
		}
		d.logger.Info("definition registered",
			slog.String("name", def.Name),
			slog.Int("version", def.Version),
		)
	}
	return nil
}

// syncSchedules registers configured schedules. Entries that already exist
// are left as stored.
func (d *daemon) syncSchedules(ctx context.Context, entries []stepflow.ScheduleConfig) error {
	var errs []error
	for _, sc := range entries {
		var input json.RawMessage
		if sc.Input != "" {
			input = json.RawMessage(sc.Input)
			if !json.Valid(input) {
				errs = append(errs, fmt.Errorf("schedule %s: %w: input is not JSON", sc.Name, stepflow.ErrInvalidInput))
				continue
			}
		}
		entry := &schedule.Entry{
			Name:       sc.Name,
			Cron:       sc.Cron,
			Definition: sc.Definition,
			Input:      input,
			Enabled:    sc.Enabled == nil || *sc.Enabled,
		}
		err := d.scheduler.Register(ctx, entry)
		switch {
		case err == nil:
			d.logger.Info("schedule registered", slog.String("name", sc.Name), slog.String("cron", sc.Cron))
		case errors.Is(err, stepflow.ErrDuplicateSchedule):
		default:
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
		}
	}
	return errors.Join(errs...)
}
