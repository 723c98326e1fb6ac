package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request and runtime data carried by the
// context passed to the *Context logging methods.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if rt, ok := ctx.Value(runtimeDataKey{}).(*RuntimeData); ok {
		r.AddAttrs(slog.Group("runtime",
			slog.String("phase", rt.Phase),
			slog.Int("pid", rt.PID),
			slog.String("url", rt.URL),
		))
	}

	if cd, ok := ctx.Value(clientDataKey{}).(*ClientData); ok {
		r.AddAttrs(slog.Group("client",
			slog.String("id", cd.ClientID),
			slog.String("subprotocol", cd.Subprotocol),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler understands the context keys of this
// package. A nil logger yields one wrapping slog.Default.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type runtimeDataKey struct{}

type RuntimeData struct {
	Phase string
	PID   int
	URL   string
}

func WithRuntimeData(ctx context.Context, data *RuntimeData) context.Context {
	return context.WithValue(ctx, runtimeDataKey{}, data)
}

type clientDataKey struct{}

// ClientData identifies an event-channel connection.
type ClientData struct {
	ClientID    string
	Subprotocol string
}

func WithClientData(ctx context.Context, data *ClientData) context.Context {
	return context.WithValue(ctx, clientDataKey{}, data)
}
