package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultHealthPath     = "/api/version"
	DefaultPortEnvVar     = "DEVBRIDGE_RUNTIME_PORT"
	DefaultStartTimeout   = 15 * time.Second
	DefaultHealthInterval = 160 * time.Millisecond
	DefaultStopTimeout    = 5 * time.Second
	DefaultWatchDebounce  = 250 * time.Millisecond
)

// Config describes how to spawn and health-check the runtime. Defaults can
// be loaded from the environment with ConfigFromEnv.
type Config struct {
	// Command is the executable that starts the runtime. An empty command
	// leaves the supervisor without runtime control.
	Command string `env:"DEVBRIDGE_RUNTIME_COMMAND"`
	Args    []string
	// Dir is the working directory of the runtime; empty means the current
	// directory of this process.
	Dir string `env:"DEVBRIDGE_RUNTIME_DIR"`
	// Env is merged over the inherited environment.
	Env map[string]string

	Host       string `env:"DEVBRIDGE_RUNTIME_HOST,default=127.0.0.1" validate:"omitempty,hostname|ip"`
	HealthPath string `env:"DEVBRIDGE_RUNTIME_HEALTH_PATH,default=/api/version" validate:"omitempty,startswith=/"`
	// PortEnvVar names the variable carrying the allocated port to the child.
	PortEnvVar string `env:"DEVBRIDGE_RUNTIME_PORT_ENV_VAR,default=DEVBRIDGE_RUNTIME_PORT"`

	StartTimeout   time.Duration `env:"DEVBRIDGE_RUNTIME_START_TIMEOUT,default=15s" validate:"gte=0"`
	HealthInterval time.Duration `env:"DEVBRIDGE_RUNTIME_HEALTH_INTERVAL,default=160ms" validate:"gte=0"`
	// StopTimeout bounds the wait after SIGTERM before escalating to SIGKILL.
	StopTimeout time.Duration `env:"DEVBRIDGE_RUNTIME_STOP_TIMEOUT,default=5s" validate:"gte=0"`

	// WatchPaths are directories whose changes restart a running runtime.
	WatchPaths    []string
	WatchDebounce time.Duration `env:"DEVBRIDGE_RUNTIME_WATCH_DEBOUNCE,default=250ms" validate:"gte=0"`
}

// ConfigFromEnv populates a Config from DEVBRIDGE_RUNTIME_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode runtime config: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.PortEnvVar == "" {
		c.PortEnvVar = DefaultPortEnvVar
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = DefaultWatchDebounce
	}
	return c
}

// Option configures a Supervisor.
type Option func(*options)

type options struct {
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	client *http.Client
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOutput sends the runtime's stdout and stderr to the given writers.
// Output is discarded by default.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) { o.stdout, o.stderr = stdout, stderr }
}

// WithHealthClient overrides the client used for health checks.
func WithHealthClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}
