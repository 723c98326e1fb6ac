package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/devbridge-go/internal/logctx"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrClosed           = errors.New("event bus closed")
	ErrClientGone       = errors.New("event client disconnected")
	ErrUnknownEventType = errors.New("unknown event type")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultProtocolVersion   = "1"

	sendQueueSize = 256
	sinkQueueSize = 256
	writeWait     = 10 * time.Second
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = logctx.Wrap(l) }
}

// WithHeartbeatInterval sets the ping period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// WithProtocolVersion sets the protocolVersion stamped on every event.
func WithProtocolVersion(v string) Option {
	return func(b *Bus) { b.protocolVersion = v }
}

// WithInitialStatus seeds the status sent to clients registering before the
// first EmitRuntimeStatus.
func WithInitialStatus(st supervisor.Status) Option {
	return func(b *Bus) { b.last = st }
}

// WithSink mirrors every broadcast event to s.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// WithObserver reports bus activity to o, typically a metrics collector.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// Bus multicasts events to registered WebSocket clients.
type Bus struct {
	log             *slog.Logger
	heartbeat       time.Duration
	protocolVersion string
	observer        Observer
	sink            Sink
	sinkq           chan []byte

	mu      sync.Mutex
	clients map[*Client]struct{}
	nextID  uint64
	last    supervisor.Status
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBus starts a bus and its heartbeat. Close releases both.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		log:             logctx.Wrap(nil),
		heartbeat:       DefaultHeartbeatInterval,
		protocolVersion: DefaultProtocolVersion,
		observer:        nopObserver{},
		clients:         make(map[*Client]struct{}),
		last:            supervisor.Status{Phase: supervisor.PhaseStopped},
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.heartbeatLoop()

	if b.sink != nil {
		b.sinkq = make(chan []byte, sinkQueueSize)
		b.wg.Add(1)
		go b.sinkLoop()
	}
	return b
}

// Register adopts conn. The client's first event is a runtime-status event
// carrying the latest status. The bus owns conn from here on.
func (b *Bus) Register(ctx context.Context, conn *websocket.Conn) (*Client, error) {
	c := newClient(b, conn, uuid.NewString())
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{ClientID: c.id, Subprotocol: conn.Subprotocol()})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	ev := b.statusEventLocked(b.last)
	payload, err := json.Marshal(ev)
	if err != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	c.enqueue(websocket.TextMessage, payload)
	b.clients[c] = struct{}{}
	b.observer.EventClientAdded()
	b.mu.Unlock()

	c.start()
	b.log.DebugContext(ctx, "events.client.register", slog.Uint64("event_id", ev.EventID))
	return c, nil
}

// Len returns the number of registered clients.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// LastStatus returns the most recently emitted status.
func (b *Bus) LastStatus() supervisor.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// EmitRuntimeStatus records st as the latest status and broadcasts it.
func (b *Bus) EmitRuntimeStatus(st supervisor.Status) *RuntimeStatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = st
	ev := b.statusEventLocked(st)
	b.broadcastLocked(ev)
	return ev
}

// EmitRuntimeError broadcasts a runtime failure.
func (b *Bus) EmitRuntimeError(msg string) *RuntimeErrorEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := &RuntimeErrorEvent{Header: b.headerLocked(TypeRuntimeError), Error: msg}
	b.broadcastLocked(ev)
	return ev
}

func (b *Bus) headerLocked(t Type) Header {
	b.nextID++
	return Header{
		Type:            t,
		ProtocolVersion: b.protocolVersion,
		EventID:         b.nextID,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func (b *Bus) statusEventLocked(st supervisor.Status) *RuntimeStatusEvent {
	return &RuntimeStatusEvent{Header: b.headerLocked(TypeRuntimeStatus), Status: st}
}

func (b *Bus) broadcastLocked(ev Event) {
	if b.closed {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("events.encode.fail", slog.String("err", err.Error()))
		return
	}
	hdr := ev.EventHeader()
	b.observer.EventEmitted(string(hdr.Type))

	var overflowed []*Client
	for c := range b.clients {
		if !c.enqueue(websocket.TextMessage, payload) {
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		delete(b.clients, c)
		b.observer.EventClientRemoved("overflow")
		b.log.Warn("events.client.drop", slog.String("client", c.id), slog.String("reason", "overflow"))
		go c.terminate()
	}

	if b.sinkq != nil {
		select {
		case b.sinkq <- payload:
		default:
			b.log.Warn("events.sink.drop", slog.Uint64("event_id", hdr.EventID))
		}
	}
}

func (b *Bus) unregister(c *Client, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	b.observer.EventClientRemoved(reason)
	b.log.Debug("events.client.unregister", slog.String("client", c.id), slog.String("reason", reason))
}

func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			b.pingAll()
		}
	}
}

func (b *Bus) pingAll() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		if !c.alive.Swap(false) {
			b.log.Info("events.client.drop", slog.String("client", c.id), slog.String("reason", "heartbeat"))
			b.unregister(c, "heartbeat")
			c.terminate()
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			b.unregister(c, "ping")
			c.terminate()
		}
	}
}

func (b *Bus) sinkLoop() {
	defer b.wg.Done()
	ctx := context.Background()
	for payload := range b.sinkq {
		if err := b.sink.Publish(ctx, payload); err != nil {
			b.log.Warn("events.sink.fail", slog.String("err", err.Error()))
		}
	}
}

// Close sends a going-away close frame to every client, closes them and
// stops the heartbeat. Pending sink publishes are flushed first. Close is
// idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
		delete(b.clients, c)
		b.observer.EventClientRemoved("closed")
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "bridge closing")
	}
	close(b.done)
	if b.sinkq != nil {
		close(b.sinkq)
	}
	b.wg.Wait()
	return nil
}
