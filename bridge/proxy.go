package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type proxyCallKey struct{}

// proxyCall carries per-request proxy state from handleAPI through the
// ReverseProxy hooks.
type proxyCall struct {
	target *url.URL
	code   int
}

func (b *Bridge) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: b.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			call := pr.In.Context().Value(proxyCallKey{}).(*proxyCall)
			pr.Out.URL = call.target
			pr.Out.Host = ""
		},
		ModifyResponse: func(resp *http.Response) error {
			call := resp.Request.Context().Value(proxyCallKey{}).(*proxyCall)
			call.code = resp.StatusCode
			span := trace.SpanFromContext(resp.Request.Context())
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 500 {
				span.SetStatus(codes.Error, resp.Status)
				b.bus.EmitRuntimeError(fmt.Sprintf("Upstream runtime returned %d for %s", resp.StatusCode, call.target.EscapedPath()))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			call := r.Context().Value(proxyCallKey{}).(*proxyCall)
			call.code = http.StatusBadGateway
			span := trace.SpanFromContext(r.Context())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.log.WarnContext(r.Context(), "proxy.upstream.fail", slog.String("target", call.target.String()), slog.String("err", err.Error()))
			writeError(w, http.StatusBadGateway, CodeBridgeProxyFailed, err.Error(), true, map[string]any{
				"target": call.target.String(),
			})
		},
	}
}

// handleAPI forwards an /api request to {runtimeURL}/api{escapedPath} with
// the request's query, starting the runtime first when auto-start allows it.
func (b *Bridge) handleAPI(w http.ResponseWriter, r *http.Request, escapedPath string) {
	ctx := r.Context()
	if b.shouldAutoStart() {
		if _, err := b.sup.EnsureStarted(ctx); err != nil {
			b.reportRuntimeError(err.Error())
			writeError(w, http.StatusServiceUnavailable, CodeRuntimeStartFailed, err.Error(), true, map[string]any{
				"fallbackCommand": b.cfg.FallbackCommand,
				"reason":          "runtime_start_failed",
			})
			return
		}
	}

	runtimeURL := b.sup.RuntimeURL()
	if runtimeURL == "" {
		writeError(w, http.StatusServiceUnavailable, CodeRuntimeUnavailable, "Runtime is not running", true, map[string]any{
			"fallbackCommand": b.cfg.FallbackCommand,
		})
		return
	}

	target, err := proxyTarget(runtimeURL, escapedPath, r.URL.RawQuery)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid proxy target: %v", err), false, nil)
		return
	}

	ctx, span := b.tracer.Start(ctx, "bridge.proxy", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("http.request.method", r.Method),
		attribute.String("url.full", target.String()),
	))
	defer span.End()

	call := &proxyCall{target: target}
	ctx = context.WithValue(ctx, proxyCallKey{}, call)

	start := time.Now()
	b.proxy.ServeHTTP(w, r.WithContext(ctx))
	b.metrics.ProxyRequest(r.Method, call.code, time.Since(start))
}

// proxyTarget joins the runtime base URL with an escaped /api suffix. The
// suffix is never reparsed, so encoded delimiters like %3F, %23 and %2F
// stay inside the path.
func proxyTarget(runtimeURL, escapedPath, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(runtimeURL)
	if err != nil {
		return nil, err
	}
	rawPath := strings.TrimRight(base.EscapedPath(), "/") + "/api" + escapedPath
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, err
	}
	target := *base
	target.Path = path
	target.RawPath = rawPath
	target.RawQuery = rawQuery
	target.Fragment = ""
	target.RawFragment = ""
	return &target, nil
}
