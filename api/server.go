package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/stream"
	"github.com/xraph/stepflow/task"
)

// TaskSource hands queued tasks to pollers. *task.Dispatcher satisfies it.
type TaskSource interface {
	Poll(ctx context.Context, handlers []string, workerID string) (*task.Task, error)
}

var _ TaskSource = (*task.Dispatcher)(nil)

// Pinger reports backend health for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBroker enables the history stream endpoint.
func WithBroker(b *stream.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithTaskSource enables the task poll endpoint.
func WithTaskSource(src TaskSource) Option {
	return func(s *Server) { s.tasks = src }
}

// WithPinger makes /readyz check the store.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithRegisterer registers the HTTP metrics with r instead of a private
// registry. The /metrics endpoint serves r when it is also a Gatherer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = r }
}

// WithConfig applies the listener address and CORS origins.
func WithConfig(cfg stepflow.HTTPConfig) Option {
	return func(s *Server) {
		if cfg.Addr != "" {
			s.addr = cfg.Addr
		}
		if cfg.CORSOrigins != nil {
			s.origins = cfg.CORSOrigins
		}
	}
}

// WithMaxPollWait caps how long a task poll may block.
func WithMaxPollWait(d time.Duration) Option {
	return func(s *Server) { s.maxPollWait = d }
}

// Server serves the Control API over HTTP.
type Server struct {
	eng    *engine.Engine
	broker *stream.Broker
	tasks  TaskSource
	pinger Pinger
	logger *slog.Logger

	addr        string
	origins     []string
	maxPollWait time.Duration

	registerer prometheus.Registerer
	metrics    *httpMetrics
	router     *chi.Mux
}

// NewServer builds the router for eng.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:         eng,
		logger:      slog.Default(),
		addr:        ":8080",
		origins:     []string{"*"},
		maxPollWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newHTTPMetrics(s.registerer)
	s.router = chi.NewRouter()
	s.middleware()
	s.routes()
	return s
}

// Router returns the chi router so callers can mount extra routes.
func (s *Server) Router() *chi.Mux { return s.router }

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) middleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logging)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metrics.middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/definitions", func(r chi.Router) {
			r.Post("/", s.registerDefinition)
			r.Get("/", s.listDefinitions)
			r.Post("/validate", s.validateDefinition)
			r.Get("/{name}", s.getDefinition)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.startExecution)
			r.Get("/", s.listExecutions)
			r.Get("/{id}", s.describeExecution)
			r.Post("/{id}/stop", s.stopExecution)
			r.Get("/{id}/history", s.executionHistory)
			r.Get("/{id}/history/stream", s.streamHistory)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/poll", s.pollTask)
			r.Post("/success", s.taskSuccess)
			r.Post("/failure", s.taskFailure)
		})
	})
}

// logging logs one line per request after it completes.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Run listens on the configured address until ctx is cancelled, then shuts
// the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
