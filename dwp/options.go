package dwp

import (
	"log/slog"
	"time"

	"github.com/xraph/stepflow"
)

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authenticator.
// If not set, NoopAuthenticator is used (development mode).
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec.
// Clients can override via the auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPath sets the base path for the endpoints.
// Default is "/dwp".
func WithPath(path string) Option {
	return func(s *Server) { s.basePath = path }
}

// WithMaxPollWait caps how long a task.poll may block.
func WithMaxPollWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handler.maxPollWait = d
		}
	}
}

// WithConfig applies the token table and default codec from cfg. An empty
// token table leaves the development authenticator in place.
func WithConfig(cfg stepflow.DWPConfig) Option {
	return func(s *Server) {
		if len(cfg.Tokens) > 0 {
			s.auth = NewTokenAuthenticator(cfg.Tokens)
		}
		if cfg.Codec != "" {
			s.defaultCodec = GetCodec(cfg.Codec)
		}
	}
}
