// Package route maps request paths under the bridge prefix to logical routes.
// It knows nothing about transports; callers hand it a method, a path and a
// raw query string.
package route

import (
	"net/http"
	"strings"
)

const (
	EventsPath = "/events"
	APIPrefix  = "/api"
)

// Route is the logical destination of a bridge request.
type Route int

const (
	NotFound Route = iota
	Health
	State
	RuntimeStatus
	RuntimeStart
	RuntimeRestart
	RuntimeStop
	Schema
	Metrics
	Events
	API
)

var routeNames = map[Route]string{
	NotFound:       "not_found",
	Health:         "health",
	State:          "state",
	RuntimeStatus:  "runtime_status",
	RuntimeStart:   "runtime_start",
	RuntimeRestart: "runtime_restart",
	RuntimeStop:    "runtime_stop",
	Schema:         "schema",
	Metrics:        "metrics",
	Events:         "events",
	API:            "api",
}

func (r Route) String() string {
	if s, ok := routeNames[r]; ok {
		return s
	}
	return "unknown"
}

// fixed maps "METHOD /path" keys to routes.
var fixed = map[string]Route{
	Key(http.MethodGet, "/health"):           Health,
	Key(http.MethodGet, "/state"):            State,
	Key(http.MethodGet, "/runtime/status"):   RuntimeStatus,
	Key(http.MethodPost, "/runtime/start"):   RuntimeStart,
	Key(http.MethodPost, "/runtime/restart"): RuntimeRestart,
	Key(http.MethodPost, "/runtime/stop"):    RuntimeStop,
	Key(http.MethodGet, "/schema"):           Schema,
	Key(http.MethodGet, "/metrics"):          Metrics,
	Key(http.MethodGet, EventsPath):          Events,
}

// Match is the result of resolving a path under the bridge prefix.
type Match struct {
	Route  Route
	Method string
	// Path is relative to the prefix and always starts with "/". It keeps
	// the request's percent-encoding.
	Path string
	// PathWithQuery is Path plus "?query" when a query was present.
	PathWithQuery string
}

// Key returns the route key for method and path, e.g. "GET /state".
func Key(method, path string) string {
	return method + " " + path
}

// Key returns the route key of the match.
func (m Match) Key() string {
	return Key(m.Method, m.Path)
}

// APIPath returns the runtime-relative remainder of an /api request with its
// query, i.e. "/api/users?x=1" yields "/users?x=1".
func (m Match) APIPath() string {
	return strings.TrimPrefix(m.PathWithQuery, APIPrefix)
}

// APIEscapedPath is APIPath without the query. Percent-encoded octets such
// as %2F or %3F are left encoded.
func (m Match) APIEscapedPath() string {
	return strings.TrimPrefix(m.Path, APIPrefix)
}

// IsBridgePath reports whether path equals prefix or lies beneath it.
func IsBridgePath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// IsEventsPath reports whether path is exactly the events endpoint.
func IsEventsPath(path, prefix string) bool {
	return path == prefix+EventsPath
}

// Resolve maps a request under prefix to a Match. path must be the escaped
// request path (url.URL.EscapedPath) so encoded delimiters survive. ok is
// false when path is outside the prefix, in which case the request belongs
// to the host.
func Resolve(method, path, rawQuery, prefix string) (m Match, ok bool) {
	if !IsBridgePath(path, prefix) {
		return Match{}, false
	}
	if method == "" {
		method = http.MethodGet
	}

	rel := "/"
	if path != prefix {
		rel = path[len(prefix):]
	}

	m = Match{Method: method, Path: rel, PathWithQuery: rel}
	if rawQuery != "" {
		m.PathWithQuery = rel + "?" + rawQuery
	}

	if r, found := fixed[m.Key()]; found {
		m.Route = r
		return m, true
	}
	if strings.HasPrefix(rel, APIPrefix) {
		m.Route = API
		return m, true
	}
	m.Route = NotFound
	return m, true
}
