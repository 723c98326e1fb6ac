package bridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Host is the surface a dev server integration provides. The bridge never
// looks past it.
type Host interface {
	// Use installs middleware in front of the host's own handler.
	Use(mw func(http.Handler) http.Handler)
	// OnUpgrade registers a hook for WebSocket upgrades. A hook returns false
	// when the upgrade is not its own, leaving w untouched.
	OnUpgrade(fn func(w http.ResponseWriter, r *http.Request) bool)
	// OnClose registers a hook run when the host shuts down.
	OnClose(fn func())
}

// Attach registers the bridge with h: the middleware, the event-channel
// upgrade hook and a close hook that tears the bridge down.
func (b *Bridge) Attach(h Host) {
	h.Use(b.Middleware)
	h.OnUpgrade(func(w http.ResponseWriter, r *http.Request) bool {
		if !b.OwnsUpgrade(r) {
			return false
		}
		b.HandleUpgrade(w, r)
		return true
	})
	h.OnClose(func() {
		_ = b.Close(context.Background())
	})
}

// MuxHost is a Host around an ordinary http.Handler, for programs that own
// their server and want to mount a bridge in front of it.
type MuxHost struct {
	base http.Handler

	mu          sync.RWMutex
	middlewares []func(http.Handler) http.Handler
	upgrades    []func(http.ResponseWriter, *http.Request) bool
	closers     []func()
	chain       http.Handler
}

var _ Host = (*MuxHost)(nil)

// NewMuxHost wraps base. A nil base answers 404.
func NewMuxHost(base http.Handler) *MuxHost {
	if base == nil {
		base = http.NotFoundHandler()
	}
	return &MuxHost{base: base, chain: base}
}

// Use wraps the handler chain in mw. Earlier middleware runs first.
func (h *MuxHost) Use(mw func(http.Handler) http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.middlewares = append(h.middlewares, mw)
	h.chain = h.base
	for i := len(h.middlewares) - 1; i >= 0; i-- {
		h.chain = h.middlewares[i](h.chain)
	}
}

// OnUpgrade registers fn for WebSocket upgrades. fn returns true when it
// took the request.
func (h *MuxHost) OnUpgrade(fn func(http.ResponseWriter, *http.Request) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upgrades = append(h.upgrades, fn)
}

// OnClose registers fn to run on Close.
func (h *MuxHost) OnClose(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, fn)
}

// ServeHTTP offers upgrades to the upgrade hooks, then serves the chain.
func (h *MuxHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	chain, upgrades := h.chain, h.upgrades
	h.mu.RUnlock()

	if websocket.IsWebSocketUpgrade(r) {
		for _, fn := range upgrades {
			if fn(w, r) {
				return
			}
		}
	}
	chain.ServeHTTP(w, r)
}

// Close runs the close hooks in registration order.
func (h *MuxHost) Close() {
	h.mu.Lock()
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

// Lifecycle attaches at most one bridge to a host across repeated setups,
// such as a dev server reloading its plugins.
type Lifecycle struct {
	cfg  Config
	opts []Option

	mu      sync.Mutex
	bridge  *Bridge
	pending *setupCall
}

type setupCall struct {
	done   chan struct{}
	bridge *Bridge
	err    error
}

// NewLifecycle returns a Lifecycle that builds bridges from cfg and opts.
func NewLifecycle(cfg Config, opts ...Option) *Lifecycle {
	return &Lifecycle{cfg: cfg, opts: opts}
}

// Setup creates a bridge and attaches it to h. While a bridge exists, or a
// setup is in flight, every caller gets that same bridge.
func (l *Lifecycle) Setup(h Host) (*Bridge, error) {
	l.mu.Lock()
	if l.bridge != nil {
		b := l.bridge
		l.mu.Unlock()
		return b, nil
	}
	if call := l.pending; call != nil {
		l.mu.Unlock()
		<-call.done
		return call.bridge, call.err
	}
	call := &setupCall{done: make(chan struct{})}
	l.pending = call
	l.mu.Unlock()

	call.bridge, call.err = New(l.cfg, l.opts...)
	if call.err == nil {
		call.bridge.Attach(h)
	}

	l.mu.Lock()
	if l.pending == call {
		l.pending = nil
		if call.err == nil {
			l.bridge = call.bridge
		}
	}
	l.mu.Unlock()
	close(call.done)
	return call.bridge, call.err
}

// Teardown waits for a pending setup, then closes the bridge, if any.
func (l *Lifecycle) Teardown(ctx context.Context) error {
	l.mu.Lock()
	b, call := l.bridge, l.pending
	l.bridge, l.pending = nil, nil
	l.mu.Unlock()

	if b == nil && call != nil {
		<-call.done
		if call.err == nil {
			b = call.bridge
		}
	}
	if b == nil {
		return nil
	}
	return b.Close(ctx)
}

// Bridge returns the current bridge or nil.
func (l *Lifecycle) Bridge() *Bridge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bridge
}
