package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/internal/logctx"
	"github.com/ggoodman/devbridge-go/internal/route"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/gorilla/websocket"
)

const relayWriteWait = 10 * time.Second

// OwnsUpgrade reports whether r is an upgrade for this bridge's event
// channel. Hosts with a single upgrade hook use it to leave other upgrades,
// such as their own hot reload socket, alone.
func (b *Bridge) OwnsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r) && route.IsEventsPath(r.URL.EscapedPath(), b.cfg.Prefix)
}

// HandleUpgrade accepts an event-channel upgrade. w must be hijackable. The
// client must offer the bridge subprotocol or it gets a 426 written on the
// raw connection. Accepted clients receive the current runtime status first,
// then the runtime's own socket is relayed to them.
func (b *Bridge) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if !route.IsEventsPath(r.URL.EscapedPath(), b.cfg.Prefix) {
		writeError(w, http.StatusNotFound, CodeRouteNotFound, "Only "+b.cfg.Prefix+route.EventsPath+" accepts upgrades", false, map[string]any{
			"route":  r.URL.Path,
			"method": r.Method,
		})
		return
	}
	if b.closed.Load() {
		writeError(w, http.StatusServiceUnavailable, CodeRuntimeUnavailable, "Bridge is closed", false, nil)
		return
	}
	if !offersSubprotocol(r, b.subprotocol) {
		b.log.InfoContext(ctx, "events.upgrade.reject", slog.String("offered", r.Header.Get("Sec-WebSocket-Protocol")))
		if err := rejectUpgrade(w, b.subprotocol); err != nil {
			b.log.WarnContext(ctx, "events.upgrade.reject.fail", slog.String("err", err.Error()))
		}
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WarnContext(ctx, "events.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	client, err := b.bus.Register(ctx, conn)
	if err != nil {
		b.log.InfoContext(ctx, "events.register.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithClientData(b.ctx, &logctx.ClientData{ClientID: client.ID(), Subprotocol: client.Subprotocol()})
	b.relays.Add(1)
	go func() {
		defer b.relays.Done()
		b.relay(ctx, client)
	}()
}

// runtimeWinding reports whether the runtime is being stopped on purpose, in
// which case its socket dropping is not a failure.
func (b *Bridge) runtimeWinding() bool {
	switch b.sup.Status().Phase {
	case supervisor.PhaseStopping, supervisor.PhaseStopped:
		return true
	}
	return false
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if strings.TrimSpace(p) == want {
			return true
		}
	}
	return false
}

// relay pipes frames between client and the runtime's own socket until
// either side goes away, then closes the other.
func (b *Bridge) relay(ctx context.Context, client *events.Client) {
	if b.shouldAutoStart() {
		if _, err := b.sup.EnsureStarted(ctx); err != nil {
			if ctx.Err() == nil {
				b.reportRuntimeError(err.Error())
			}
			return
		}
	}

	runtimeURL := b.sup.RuntimeURL()
	if runtimeURL == "" {
		return
	}
	select {
	case <-client.Done():
		return
	default:
	}

	upstream, _, err := b.dialer.DialContext(ctx, runtimeWebSocketURL(runtimeURL), nil)
	if err != nil {
		if ctx.Err() == nil {
			b.log.WarnContext(ctx, "relay.dial.fail", slog.String("err", err.Error()))
			b.bus.EmitRuntimeError(err.Error())
		}
		return
	}
	b.log.DebugContext(ctx, "relay.open")

	var (
		writeMu sync.Mutex
		closing atomic.Bool
	)
	client.OnMessage(func(msgType int, data []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = upstream.SetWriteDeadline(time.Now().Add(relayWriteWait))
		if err := upstream.WriteMessage(msgType, data); err != nil {
			b.log.WarnContext(ctx, "relay.write.fail", slog.String("err", err.Error()))
			closing.Store(true)
			_ = upstream.Close()
		}
	})

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if !closing.Load() && !errors.As(err, &ce) && !b.runtimeWinding() {
					b.bus.EmitRuntimeError(err.Error())
				}
				return
			}
			if err := client.Send(msgType, data); err != nil {
				return
			}
		}
	}()

	select {
	case <-upstreamDone:
		_ = client.Close()
	case <-client.Done():
		closing.Store(true)
		writeMu.Lock()
		_ = upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		writeMu.Unlock()
		_ = upstream.Close()
		<-upstreamDone
	case <-ctx.Done():
		closing.Store(true)
		_ = upstream.Close()
		<-upstreamDone
	}
	b.log.DebugContext(ctx, "relay.close")
}
