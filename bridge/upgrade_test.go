package bridge_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/devbridge-go/bridge"
	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/internal/runtimetest"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/gorilla/websocket"
)

func TestUpgradeRejectsWrongSubprotocol(t *testing.T) {
	_, srv := mustBridge(t, bridge.Config{})

	for _, offered := range []string{"", "graphql-ws", "devbridge.v2+json"} {
		t.Run("offered="+offered, func(t *testing.T) {
			resp := rawUpgrade(t, srv.Listener.Addr().String(), "/__bridge/events", offered)
			defer resp.Body.Close()
			if want, got := http.StatusUpgradeRequired, resp.StatusCode; want != got {
				t.Fatalf("unexpected status: want %d got %d", want, got)
			}
			var body bridge.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Success || body.Error.Code != bridge.CodeInvalidRequest {
				t.Fatalf("unexpected body: %+v", body)
			}
			if want, got := "devbridge.v1+json", body.Error.Details["wsSubprotocol"]; want != got {
				t.Fatalf("unexpected subprotocol detail: want %v got %v", want, got)
			}
		})
	}
}

func TestEventsWithoutUpgrade(t *testing.T) {
	_, srv := mustBridge(t, bridge.Config{})
	var body bridge.ErrorResponse
	mustGetJSON(t, srv.URL+"/__bridge/events", http.StatusUpgradeRequired, &body)
	if want, got := bridge.CodeInvalidRequest, body.Error.Code; want != got {
		t.Fatalf("unexpected code: want %s got %s", want, got)
	}
}

func TestEventsFollowRuntime(t *testing.T) {
	b, srv := mustBridge(t, bridge.Config{
		Runtime:          runtimetest.Config(t, runtimetest.ModeServe),
		DisableAutoStart: true,
	})

	conn := mustDialEvents(t, srv, "devbridge.v1+json")
	if want, got := "devbridge.v1+json", conn.Subprotocol(); want != got {
		t.Fatalf("unexpected negotiated subprotocol: want %q got %q", want, got)
	}

	first, ok := mustReadEvent(t, conn).(*events.RuntimeStatusEvent)
	if !ok {
		t.Fatalf("first frame is not a runtime-status event")
	}
	if want, got := supervisor.PhaseStopped, first.Status.Phase; want != got {
		t.Fatalf("unexpected initial phase: want %s got %s", want, got)
	}
	if want, got := "1", first.ProtocolVersion; want != got {
		t.Fatalf("unexpected protocol version: want %q got %q", want, got)
	}

	mustPostJSON(t, srv.URL+"/__bridge/runtime/start", http.StatusOK, nil)

	last := first.EventID
	running := mustReadEventWhere(t, conn, func(ev events.Event) bool {
		id := ev.EventHeader().EventID
		if id <= last {
			t.Fatalf("event ids not increasing: %d after %d", id, last)
		}
		last = id
		st, ok := ev.(*events.RuntimeStatusEvent)
		return ok && st.Status.Phase == supervisor.PhaseRunning
	}).(*events.RuntimeStatusEvent)
	if want, got := b.RuntimeStatus().ProcessID(), running.Status.ProcessID(); want != got {
		t.Fatalf("unexpected pid in event: want %d got %d", want, got)
	}
}

func TestRelayEchoesThroughRuntime(t *testing.T) {
	_, srv := mustBridge(t, bridge.Config{Runtime: runtimetest.Config(t, runtimetest.ModeServe)})

	conn := mustDialEvents(t, srv, "devbridge.v1+json")
	// Sent before the relay is up; the bridge holds it until the runtime
	// socket is open.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello relay")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	var gotText, gotBinary bool
	deadline := time.Now().Add(10 * time.Second)
	for !gotText || !gotBinary {
		_ = conn.SetReadDeadline(deadline)
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case typ == websocket.TextMessage && string(data) == "hello relay":
			gotText = true
		case typ == websocket.BinaryMessage && string(data) == "\x00\x01\x02":
			gotBinary = true
		}
	}
}

func TestRelayClosesClientWhenRuntimeStops(t *testing.T) {
	b, srv := mustBridge(t, bridge.Config{Runtime: runtimetest.Config(t, runtimetest.ModeServe)})

	conn := mustDialEvents(t, srv, "devbridge.v1+json")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ready?")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) == "ready?" {
			break
		}
	}

	if _, err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatalf("client still open after runtime stopped")
			}
			return
		}
	}
}

func TestCloseSendsGoingAway(t *testing.T) {
	b, srv := mustBridge(t, bridge.Config{})
	conn := mustDialEvents(t, srv, "devbridge.v1+json")
	mustReadEvent(t, conn)

	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("want going-away close, got %v", err)
	}
}

// rawUpgrade sends a hand-written upgrade request so the response body of a
// refused upgrade can be read in full.
func rawUpgrade(t *testing.T, addr, path, subprotocol string) *http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req strings.Builder
	req.WriteString("GET " + path + " HTTP/1.1\r\n")
	req.WriteString("Host: " + addr + "\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n")
	if subprotocol != "" {
		req.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	req.WriteString("\r\n")
	if _, err := io.WriteString(conn, req.String()); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}
