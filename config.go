package stepflow

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for a stepflow deployment. The zero value is
// not useful; start from DefaultConfig.
type Config struct {
	Log      LogConfig        `yaml:"log"`
	Store    StoreConfig      `yaml:"store"`
	Engine   EngineConfig     `yaml:"engine"`
	Worker   WorkerConfig     `yaml:"worker"`
	HTTP     HTTPConfig       `yaml:"http"`
	DWP      DWPConfig        `yaml:"dwp"`
	Handlers []HandlerLimit   `yaml:"handlers"`
	Schedule []ScheduleConfig `yaml:"schedules"`
	Audit    AuditConfig      `yaml:"audit"`
	Relay    RelayConfig      `yaml:"relay"`

	// Definitions lists definition files registered at startup.
	Definitions []string `yaml:"definitions"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo.
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`
	// Database names the mongo database.
	Database string `yaml:"database"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// Concurrency is the number of goroutines advancing executions.
	Concurrency int `yaml:"concurrency"`
	// CheckpointInterval is how many events may accumulate before a
	// replay checkpoint is written. Zero disables checkpoints.
	CheckpointInterval int `yaml:"checkpoint_interval"`
	// DefaultTaskTimeout applies to Task states that declare none.
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	// MaxRunningExecutions caps concurrently running top-level executions.
	// Zero means unlimited.
	MaxRunningExecutions int `yaml:"max_running_executions"`
	// HistoryTail is how many recent events DescribeExecution returns.
	HistoryTail int `yaml:"history_tail"`
}

// WorkerConfig tunes the in-process worker pool.
type WorkerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Concurrency int           `yaml:"concurrency"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// HTTPConfig configures the Control API listener.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DWPConfig configures the WebSocket worker protocol.
type DWPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Tokens maps bearer tokens to the scopes they grant.
	Tokens map[string][]string `yaml:"tokens"`
	// Codec is json or msgpack.
	Codec string `yaml:"codec"`
}

// HandlerLimit caps delivery of tasks for one handler name.
type HandlerLimit struct {
	Name           string  `yaml:"name"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
}

// ScheduleConfig starts executions of a definition on a cron schedule.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	Definition string `yaml:"definition"`
	Input      string `yaml:"input"`
	Enabled    *bool  `yaml:"enabled"`
}

// AuditConfig enables the structured audit trail of lifecycle events.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Actions limits the recorded actions. Empty records all.
	Actions []string `yaml:"actions"`
}

// RelayConfig publishes lifecycle events on a Redis pub/sub channel.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`
	// RedisURL is a redis:// URL. Empty reuses the store DSN when the
	// store driver is redis.
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
	// Events limits the published event types. Empty publishes all.
	Events []string `yaml:"events"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Driver: "memory"},
		Engine: EngineConfig{
			Concurrency:        8,
			CheckpointInterval: 25,
			DefaultTaskTimeout: 5 * time.Minute,
			HistoryTail:        10,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 10,
			PollTimeout: 20 * time.Second,
		},
		HTTP:            HTTPConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		DWP:             DWPConfig{Codec: "json"},
		Relay:           RelayConfig{Channel: "stepflow.events"},
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and then applies
// STEPFLOW_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("stepflow: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("stepflow: parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STEPFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPFLOW_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STEPFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("STEPFLOW_ENGINE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("stepflow: STEPFLOW_ENGINE_CONCURRENCY: %w", err)
		}
		cfg.Engine.Concurrency = n
	}
	if v := os.Getenv("STEPFLOW_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("stepflow: STEPFLOW_WORKER_CONCURRENCY: %w", err)
		}
		cfg.Worker.Concurrency = n
	}
	return nil
}
