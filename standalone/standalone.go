// Package standalone serves a bridge on its own loopback listener, for
// programs that have no dev server to splice the bridge into.
package standalone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/devbridge-go/bridge"
	"github.com/ggoodman/devbridge-go/internal/logctx"
	"github.com/joeshaw/envdecode"
)

const DefaultListenAddr = "127.0.0.1:0"

// Config is a bridge config plus the address to listen on.
type Config struct {
	Bridge     bridge.Config
	ListenAddr string `env:"DEVBRIDGE_LISTEN_ADDR,default=127.0.0.1:0"`
}

// FromEnv loads a Config from DEVBRIDGE_* variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode standalone config: %w", err)
	}
	return cfg, nil
}

// Option configures Start.
type Option func(*options)

type options struct {
	addr       string
	logger     *slog.Logger
	bridgeOpts []bridge.Option
}

// WithListenAddr overrides the listen address. Defaults to 127.0.0.1:0.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.addr = addr }
}

// WithLogger sets the logger for the server and, unless overridden through
// WithBridgeOptions, the bridge.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBridgeOptions passes options through to bridge.New.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(o *options) { o.bridgeOpts = append(o.bridgeOpts, opts...) }
}

// Server is a running standalone bridge.
type Server struct {
	// BaseURL is http://host:port of the listener.
	BaseURL string
	Bridge  *bridge.Bridge

	log    *slog.Logger
	srv    *http.Server
	served chan struct{}

	mu       sync.Mutex
	hijacked map[net.Conn]struct{}

	closeOnce sync.Once
	closeErr  error
}

// Start creates a bridge from cfg and serves it. Paths outside the bridge
// prefix answer 404.
func Start(ctx context.Context, cfg bridge.Config, opts ...Option) (*Server, error) {
	o := &options{addr: DefaultListenAddr}
	for _, opt := range opts {
		opt(o)
	}
	if o.addr == "" {
		o.addr = DefaultListenAddr
	}
	log := logctx.Wrap(o.logger)

	b, err := bridge.New(cfg, append([]bridge.Option{bridge.WithLogger(log)}, o.bridgeOpts...)...)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", o.addr)
	if err != nil {
		_ = b.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("listen on %s: %w", o.addr, err)
	}

	s := &Server{
		BaseURL:  "http://" + ln.Addr().String(),
		Bridge:   b,
		log:      log,
		served:   make(chan struct{}),
		hijacked: make(map[net.Conn]struct{}),
	}
	s.srv = &http.Server{
		Handler:           b.Middleware(http.HandlerFunc(notFound)),
		ReadHeaderTimeout: 10 * time.Second,
		ConnState:         s.trackConn,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	go func() {
		defer close(s.served)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("standalone.serve.fail", slog.String("err", err.Error()))
		}
	}()

	log.InfoContext(ctx, "standalone.start", slog.String("base_url", s.BaseURL), slog.String("prefix", b.Prefix()))
	return s, nil
}

// trackConn remembers hijacked connections, which http.Server.Shutdown does
// not close.
func (s *Server) trackConn(c net.Conn, state http.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case http.StateHijacked:
		s.hijacked[c] = struct{}{}
	case http.StateClosed:
		delete(s.hijacked, c)
	}
}

// Close stops the bridge, then the listener, then any connection still open
// from an upgrade. It is safe to call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		bridgeErr := s.Bridge.Close(ctx)
		shutdownErr := s.srv.Shutdown(ctx)

		s.mu.Lock()
		for c := range s.hijacked {
			_ = c.Close()
		}
		clear(s.hijacked)
		s.mu.Unlock()

		<-s.served
		s.closeErr = errors.Join(bridgeErr, shutdownErr)
		s.log.InfoContext(ctx, "standalone.close", slog.String("base_url", s.BaseURL))
	})
	return s.closeErr
}

type notFoundResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(notFoundResponse{Success: false, Error: "Not found"})
}
