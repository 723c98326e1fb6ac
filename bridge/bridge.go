package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/internal/logctx"
	"github.com/ggoodman/devbridge-go/internal/metrics"
	"github.com/ggoodman/devbridge-go/internal/route"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Bridge terminates the private control surface under its prefix, proxies
// /api traffic to the runtime and relays the event channel. A Bridge owns
// one Supervisor and one events.Bus for its whole life.
type Bridge struct {
	cfg         Config
	log         *slog.Logger
	sup         *supervisor.Supervisor
	bus         *events.Bus
	metrics     *metrics.Metrics
	caps        Capabilities
	subprotocol string
	tracer      trace.Tracer

	transport http.RoundTripper
	proxy     *httputil.ReverseProxy
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
	handler   http.Handler

	autoStart   atomic.Bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	relays sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a Bridge. The runtime is not started until a
// request or control action needs it.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	log := logctx.Wrap(o.logger)

	m, err := metrics.New(o.registry)
	if err != nil {
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	sup := supervisor.New(cfg.Runtime, append([]supervisor.Option{supervisor.WithLogger(log)}, o.supOpts...)...)
	subprotocol := Subprotocol(cfg.Brand)

	busOpts := []events.Option{
		events.WithLogger(log),
		events.WithHeartbeatInterval(cfg.HeartbeatInterval),
		events.WithProtocolVersion(ProtocolVersion),
		events.WithInitialStatus(sup.Status()),
		events.WithObserver(m),
	}
	if o.sink != nil {
		busOpts = append(busOpts, events.WithSink(o.sink))
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:         cfg,
		log:         log,
		sup:         sup,
		bus:         events.NewBus(busOpts...),
		metrics:     m,
		caps:        newCapabilities(sup.ControlSupport().HasRuntimeControl, cfg.FallbackCommand, subprotocol),
		subprotocol: subprotocol,
		tracer:      otel.Tracer("github.com/ggoodman/devbridge-go/bridge"),
		transport:   transport,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	b.autoStart.Store(true)
	b.proxy = b.newProxy()
	b.handler = b.Middleware(nil)

	// Every transition reaches the bus in order. Entering error also raises
	// a runtime-error event so subscribers see the failure text.
	b.unsubscribe = sup.OnStatusChange(func(st supervisor.Status) {
		m.RuntimePhase(string(st.Phase))
		b.bus.EmitRuntimeStatus(st)
		if st.Phase == supervisor.PhaseError {
			b.bus.EmitRuntimeError(st.Err())
		}
	})
	m.RuntimePhase(string(sup.Status().Phase))

	log.Debug("bridge.new",
		slog.String("prefix", cfg.Prefix),
		slog.String("subprotocol", subprotocol),
		slog.String("command_host", string(b.caps.CommandHost)),
	)
	return b, nil
}

// Prefix returns the path prefix the bridge answers under.
func (b *Bridge) Prefix() string { return b.cfg.Prefix }

// Subprotocol returns the event-channel WebSocket subprotocol.
func (b *Bridge) Subprotocol() string { return b.subprotocol }

// Capabilities returns the static capabilities of this bridge.
func (b *Bridge) Capabilities() Capabilities { return b.caps }

// Bus exposes the event bus, mainly for embedding programs that emit their
// own runtime errors.
func (b *Bridge) Bus() *events.Bus { return b.bus }

// State returns a fresh snapshot derived from the current runtime status.
func (b *Bridge) State() State {
	return stateFor(b.sup.Status(), b.caps)
}

// RuntimeStatus returns the raw runtime status.
func (b *Bridge) RuntimeStatus() supervisor.Status {
	return b.sup.Status()
}

func (b *Bridge) shouldAutoStart() bool {
	return !b.cfg.DisableAutoStart && b.autoStart.Load() && b.caps.CanStartRuntime
}

// reportRuntimeError raises a runtime-error event for failures that did not
// already surface through an error transition.
func (b *Bridge) reportRuntimeError(msg string) {
	if b.sup.Status().Phase == supervisor.PhaseError {
		return
	}
	b.bus.EmitRuntimeError(msg)
}

// ServeHTTP serves only the bridge; requests outside the prefix get a 404
// envelope.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.handler.ServeHTTP(w, r)
}

// Middleware serves the bridge in front of next. Event-channel upgrades go
// to HandleUpgrade; everything else to HandleHTTPRequest.
func (b *Bridge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) && route.IsEventsPath(r.URL.EscapedPath(), b.cfg.Prefix) {
			b.HandleUpgrade(w, r)
			return
		}
		b.HandleHTTPRequest(w, r, next)
	})
}

// HandleHTTPRequest answers requests under the prefix and hands every other
// request to next unchanged. A nil next answers 404.
func (b *Bridge) HandleHTTPRequest(w http.ResponseWriter, r *http.Request, next http.Handler) {
	match, ok := route.Resolve(r.Method, r.URL.EscapedPath(), r.URL.RawQuery, b.cfg.Prefix)
	if !ok {
		if next == nil {
			writeError(w, http.StatusNotFound, CodeRouteNotFound, "Not found", false, map[string]any{
				"route":  r.URL.Path,
				"method": r.Method,
			})
			return
		}
		next.ServeHTTP(w, r)
		return
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)
	b.log.DebugContext(ctx, "http.request", slog.String("route", match.Route.String()))

	if b.closed.Load() {
		writeError(w, http.StatusServiceUnavailable, CodeRuntimeUnavailable, "Bridge is closed", false, nil)
		return
	}

	switch match.Route {
	case route.Health:
		writeJSON(w, http.StatusOK, HealthResponse{OK: true, Bridge: true, State: b.State()})
	case route.State:
		b.handleState(w, r)
	case route.RuntimeStatus:
		writeJSON(w, http.StatusOK, b.sup.Status())
	case route.RuntimeStart:
		b.handleControl(w, r, actionStart)
	case route.RuntimeRestart:
		b.handleControl(w, r, actionRestart)
	case route.RuntimeStop:
		b.handleControl(w, r, actionStop)
	case route.Schema:
		b.handleSchema(w, r)
	case route.Metrics:
		b.metrics.Handler().ServeHTTP(w, r)
	case route.Events:
		writeError(w, http.StatusUpgradeRequired, CodeInvalidRequest, "The events endpoint only accepts WebSocket upgrades", false, map[string]any{
			"wsSubprotocol": b.subprotocol,
		})
	case route.API:
		b.handleAPI(w, r, match.APIEscapedPath())
	default:
		writeError(w, http.StatusNotFound, CodeRouteNotFound, "Unknown bridge route: "+match.PathWithQuery, false, map[string]any{
			"route":  match.PathWithQuery,
			"method": match.Method,
		})
	}
}

// Close stops the runtime, then closes the event bus and every relay. It is
// safe to call more than once; later calls return the first result.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		_, err := b.sup.Stop(ctx)
		b.unsubscribe()
		b.cancel()
		_ = b.bus.Close()
		b.relays.Wait()
		if t, ok := b.transport.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		b.closeErr = err
		b.log.InfoContext(ctx, "bridge.close")
	})
	return b.closeErr
}
