// Package client talks to a bridge over HTTP and its event channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/devbridge-go/bridge"
	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/gorilla/websocket"
)

// ErrUnexpectedContentType is returned when the bridge answers with
// something other than JSON.
var ErrUnexpectedContentType = errors.New("unexpected content type")

var jsonMediaType = contenttype.NewMediaType("application/json")

// Error is a non-2xx bridge response.
type Error struct {
	StatusCode int
	// Response is the decoded error envelope. It is zero when the body was
	// not an envelope.
	Response bridge.ErrorResponse
}

func (e *Error) Error() string {
	if e.Response.Error.Code != "" {
		return fmt.Sprintf("bridge: %d %s: %s", e.StatusCode, e.Response.Error.Code, e.Response.Error.Message)
	}
	return fmt.Sprintf("bridge: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports the envelope's retryable flag.
func (e *Error) Retryable() bool { return e.Response.Error.Retryable }

// Client is safe for concurrent use.
type Client struct {
	base        *url.URL
	prefix      string
	subprotocol string
	http        *http.Client
	dialer      *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPrefix sets the bridge prefix. Defaults to bridge.DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(cl *Client) { cl.prefix = strings.TrimRight(prefix, "/") }
}

// WithBrand sets the brand the event subprotocol is derived from.
func WithBrand(brand string) Option {
	return func(cl *Client) { cl.subprotocol = bridge.Subprotocol(brand) }
}

// WithDialer overrides the WebSocket dialer for SubscribeEvents.
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

// New returns a client for the bridge served at baseURL, for example
// http://127.0.0.1:5173.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		base:        u,
		prefix:      bridge.DefaultPrefix,
		subprotocol: bridge.Subprotocol(bridge.DefaultBrand),
		http:        http.DefaultClient,
		dialer:      websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(path string) string {
	u := *c.base
	u.Path = u.Path + c.prefix + path
	return u.String()
}

// Health fetches the bridge health report. It never starts the runtime.
func (c *Client) Health(ctx context.Context) (bridge.HealthResponse, error) {
	var out bridge.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &out)
	return out, err
}

// State fetches the bridge state. The bridge may start a stopped runtime to
// answer it.
func (c *Client) State(ctx context.Context) (bridge.State, error) {
	var out bridge.State
	err := c.do(ctx, http.MethodGet, "/state", &out)
	return out, err
}

// RuntimeStatus fetches the runtime status without side effects.
func (c *Client) RuntimeStatus(ctx context.Context) (supervisor.Status, error) {
	var out supervisor.Status
	err := c.do(ctx, http.MethodGet, "/runtime/status", &out)
	return out, err
}

// StartRuntime starts the runtime and waits for it to become healthy.
func (c *Client) StartRuntime(ctx context.Context) (supervisor.Status, error) {
	return c.control(ctx, "start")
}

// RestartRuntime stops then starts the runtime.
func (c *Client) RestartRuntime(ctx context.Context) (supervisor.Status, error) {
	return c.control(ctx, "restart")
}

// StopRuntime stops the runtime and turns auto-start off.
func (c *Client) StopRuntime(ctx context.Context) (supervisor.Status, error) {
	return c.control(ctx, "stop")
}

func (c *Client) control(ctx context.Context, action string) (supervisor.Status, error) {
	var out bridge.ControlResponse
	if err := c.do(ctx, http.MethodPost, "/runtime/"+action, &out); err != nil {
		return supervisor.Status{}, err
	}
	return out.Runtime, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkJSON(resp); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{StatusCode: resp.StatusCode}
		}
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Response)
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	if !contenttype.NewMediaType(ct).Matches(jsonMediaType) {
		return fmt.Errorf("%w: %q", ErrUnexpectedContentType, ct)
	}
	return nil
}

// SubscribeEvents opens the event channel and calls fn for each event until
// ctx is done, the bridge closes the channel or fn returns an error. It
// returns nil when ctx ends or the bridge closes normally.
//
// Frames relayed from the runtime that are not bridge events are skipped.
func (c *Client) SubscribeEvents(ctx context.Context, fn func(events.Event) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + c.prefix + "/events"

	dialer := *c.dialer
	dialer.Subprotocols = []string{c.subprotocol}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &Error{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		ev, err := events.Decode(data)
		if err != nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
