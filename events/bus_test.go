package events_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/gorilla/websocket"
)

func TestRegisterSendsLatestStatusFirst(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := mustBusServer(t, bus, nil)

	url := "http://127.0.0.1:5173"
	pid := 42
	var startedAt int64 = 1
	bus.EmitRuntimeStatus(supervisor.Status{Phase: supervisor.PhaseRunning, URL: &url, PID: &pid, StartedAt: &startedAt})

	conn := mustDial(t, srv)
	ev := mustReadEvent(t, conn)
	st, ok := ev.(*events.RuntimeStatusEvent)
	if !ok {
		t.Fatalf("first event is %T, want *events.RuntimeStatusEvent", ev)
	}
	if want, got := supervisor.PhaseRunning, st.Status.Phase; want != got {
		t.Fatalf("unexpected phase: want %s got %s", want, got)
	}
	if want, got := uint64(2), st.EventID; want != got {
		t.Fatalf("unexpected event id: want %d got %d", want, got)
	}
	if want, got := events.DefaultProtocolVersion, st.ProtocolVersion; want != got {
		t.Fatalf("unexpected protocol version: want %q got %q", want, got)
	}
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	bus := events.NewBus(events.WithInitialStatus(supervisor.Status{Phase: supervisor.PhaseStopped}))
	defer bus.Close()
	srv := mustBusServer(t, bus, nil)

	conn := mustDial(t, srv)
	first := mustReadEvent(t, conn)
	mustWaitClients(t, bus, 1)

	const n = 20
	for i := 0; i < n; i++ {
		if i%3 == 0 {
			bus.EmitRuntimeError("boom")
			continue
		}
		bus.EmitRuntimeStatus(supervisor.Status{Phase: supervisor.PhaseStopped})
	}

	prev := first.EventHeader().EventID
	for i := 0; i < n; i++ {
		id := mustReadEvent(t, conn).EventHeader().EventID
		if want := prev + 1; id != want {
			t.Fatalf("event %d: want id %d got %d", i, want, id)
		}
		prev = id
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := mustBusServer(t, bus, nil)

	conns := []*websocket.Conn{mustDial(t, srv), mustDial(t, srv), mustDial(t, srv)}
	for _, c := range conns {
		mustReadEvent(t, c)
	}
	mustWaitClients(t, bus, len(conns))

	sent := bus.EmitRuntimeError("runtime crashed")
	for i, c := range conns {
		ev := mustReadEvent(t, c)
		got, ok := ev.(*events.RuntimeErrorEvent)
		if !ok {
			t.Fatalf("client %d: got %T", i, ev)
		}
		if got.Error != "runtime crashed" || got.EventID != sent.EventID {
			t.Fatalf("client %d: unexpected event %+v", i, got)
		}
	}
}

func TestDisconnectedClientsAreDropped(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := mustBusServer(t, bus, nil)

	conn := mustDial(t, srv)
	mustReadEvent(t, conn)
	mustWaitClients(t, bus, 1)

	_ = conn.Close()
	mustWaitClients(t, bus, 0)

	// Emitting with nobody listening is harmless.
	bus.EmitRuntimeError("nobody hears this")
}

func TestHeartbeatTerminatesSilentClients(t *testing.T) {
	bus := events.NewBus(events.WithHeartbeatInterval(50 * time.Millisecond))
	defer bus.Close()
	srv := mustBusServer(t, bus, nil)

	// A client that reads keeps answering pings.
	alive := mustDial(t, srv)
	go func() {
		for {
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A client that never reads never handles the pings, so it never pongs.
	mustDial(t, srv)
	mustWaitClients(t, bus, 2)

	mustWaitClients(t, bus, 1)
	time.Sleep(200 * time.Millisecond)
	if want, got := 1, bus.Len(); want != got {
		t.Fatalf("unexpected client count: want %d got %d", want, got)
	}
}

func TestClientMessagesReachHandler(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	got := make(chan string, 4)
	srv := mustBusServer(t, bus, func(c *events.Client) {
		c.OnMessage(func(msgType int, data []byte) {
			got <- string(data)
			_ = c.Send(msgType, append([]byte("echo:"), data...))
		})
	})

	conn := mustDial(t, srv)
	mustReadEvent(t, conn)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("unexpected inbound %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never saw the message")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if typ != websocket.TextMessage || string(data) != "echo:hello" {
		t.Fatalf("unexpected echo %d %q", typ, data)
	}
}

func TestSinkSeesBroadcastsInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []uint64
	)
	sink := events.SinkFunc(func(ctx context.Context, payload []byte) error {
		ev, err := events.Decode(payload)
		if err != nil {
			return err
		}
		mu.Lock()
		ids = append(ids, ev.EventHeader().EventID)
		mu.Unlock()
		return nil
	})

	bus := events.NewBus(events.WithSink(sink))
	for i := 0; i < 10; i++ {
		bus.EmitRuntimeStatus(supervisor.Status{Phase: supervisor.PhaseStopped})
	}
	_ = bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if want, got := 10, len(ids); want != got {
		t.Fatalf("unexpected sink count: want %d got %d", want, got)
	}
	for i, id := range ids {
		if want := uint64(i + 1); id != want {
			t.Fatalf("sink event %d: want id %d got %d", i, want, id)
		}
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	bus := events.NewBus()
	srv := mustBusServer(t, bus, nil)

	conn := mustDial(t, srv)
	mustReadEvent(t, conn)
	mustWaitClients(t, bus, 1)

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("want going-away close, got %v", err)
	}
}

func TestRegisterAfterClose(t *testing.T) {
	bus := events.NewBus()
	_ = bus.Close()

	registered := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			registered <- err
			return
		}
		_, err = bus.Register(r.Context(), conn)
		registered <- err
	}))
	defer srv.Close()

	conn := mustDial(t, srv)
	defer conn.Close()
	if err := <-registered; !errors.Is(err, events.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

var upgrader = websocket.Upgrader{}

func mustBusServer(t *testing.T, bus *events.Bus, onClient func(*events.Client)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := bus.Register(context.Background(), conn)
		if err != nil {
			return
		}
		if onClient != nil {
			onClient(c)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustReadEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	ev, err := events.Decode(data)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func mustWaitClients(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d clients, have %d", n, bus.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
