package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 1 << 20
	maxPending     = 64
)

type outbound struct {
	typ  int
	data []byte
}

// Client is one event-channel connection. Writes go through a single writer
// goroutine; inbound frames are delivered to the OnMessage handler.
type Client struct {
	id    string
	bus   *Bus
	conn  *websocket.Conn
	send  chan outbound
	done  chan struct{}
	once  sync.Once
	alive atomic.Bool

	mu      sync.Mutex
	handler func(msgType int, data []byte)
	pending []outbound
}

func newClient(b *Bus, conn *websocket.Conn, id string) *Client {
	c := &Client{
		id:   id,
		bus:  b,
		conn: conn,
		send: make(chan outbound, sendQueueSize),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID is the client identifier assigned at registration.
func (c *Client) ID() string { return c.id }

// Subprotocol is the negotiated WebSocket subprotocol.
func (c *Client) Subprotocol() string { return c.conn.Subprotocol() }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues a frame. A client whose queue is full is dropped.
func (c *Client) Send(msgType int, data []byte) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	if !c.enqueue(msgType, data) {
		c.bus.unregister(c, "overflow")
		c.terminate()
		return ErrClientGone
	}
	return nil
}

// OnMessage sets the handler for inbound data frames. Frames that arrived
// before a handler was set are replayed to it first, up to a small limit.
func (c *Client) OnMessage(h func(msgType int, data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	for _, m := range c.pending {
		h(m.typ, m.data)
	}
	c.pending = nil
}

// Close queues a normal close frame behind any pending frames.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if !c.enqueue(websocket.CloseMessage, msg) {
		c.bus.unregister(c, "closed")
		c.closeWith(websocket.CloseNormalClosure, "")
	}
	return nil
}

func (c *Client) enqueue(msgType int, data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- outbound{typ: msgType, data: data}:
		return true
	default:
		return false
	}
}

func (c *Client) start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(m.typ, m.data)
			if err != nil || m.typ == websocket.CloseMessage {
				reason := "closed"
				if err != nil {
					reason = "write"
				}
				c.bus.unregister(c, reason)
				c.terminate()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.bus.unregister(c, "disconnect")
		c.terminate()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(typ, data)
	}
}

func (c *Client) dispatch(msgType int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		if len(c.pending) < maxPending {
			c.pending = append(c.pending, outbound{typ: msgType, data: data})
		}
		return
	}
	c.handler(msgType, data)
}

// terminate drops the connection without a close handshake.
func (c *Client) terminate() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) closeWith(code int, text string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
