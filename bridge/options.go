package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPrefix            = "/__bridge"
	DefaultBrand             = "devbridge"
	DefaultHeartbeatInterval = events.DefaultHeartbeatInterval
	ProtocolVersion          = events.DefaultProtocolVersion
)

// Config describes one bridge. The zero value is usable: it serves the
// default prefix and has no runtime command, so it can only report state.
type Config struct {
	Runtime supervisor.Config

	// Prefix is the private path all bridge routes live under.
	Prefix string `env:"DEVBRIDGE_PREFIX,default=/__bridge" validate:"omitempty,startswith=/,endsnotwith=/"`
	// Brand names the WebSocket subprotocol (<brand>.v1+json) and the
	// default fallback command (<brand> dev).
	Brand string `env:"DEVBRIDGE_BRAND,default=devbridge" validate:"omitempty,excludesall=/ +"`
	// FallbackCommand is what a human can run to start the runtime by hand.
	// Empty means "<brand> dev" unless OmitFallbackCommand is set.
	FallbackCommand     string `env:"DEVBRIDGE_FALLBACK_COMMAND"`
	OmitFallbackCommand bool   `env:"DEVBRIDGE_OMIT_FALLBACK_COMMAND"`

	// DisableAutoStart stops the bridge from starting the runtime on demand.
	DisableAutoStart  bool          `env:"DEVBRIDGE_DISABLE_AUTO_START"`
	HeartbeatInterval time.Duration `env:"DEVBRIDGE_HEARTBEAT_INTERVAL,default=30s" validate:"gte=0"`
}

// FromEnv loads a Config from DEVBRIDGE_* variables, including the nested
// runtime configuration.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode bridge config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid bridge config: %w", err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Brand == "" {
		c.Brand = DefaultBrand
	}
	if c.FallbackCommand == "" && !c.OmitFallbackCommand {
		c.FallbackCommand = c.Brand + " dev"
	}
	if c.OmitFallbackCommand {
		c.FallbackCommand = ""
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Subprotocol returns the event-channel subprotocol for brand.
func Subprotocol(brand string) string {
	if brand == "" {
		brand = DefaultBrand
	}
	return brand + ".v" + ProtocolVersion + "+json"
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	sink      events.Sink
	registry  *prometheus.Registry
	transport http.RoundTripper
	supOpts   []supervisor.Option
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventSink mirrors every broadcast event to s.
func WithEventSink(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithMetricsRegistry registers the bridge collectors with reg instead of a
// private registry. GET {prefix}/metrics serves reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTransport sets the round tripper used to reach the runtime.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithSupervisorOptions passes options through to the runtime supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) { o.supOpts = append(o.supOpts, opts...) }
}
