package route_test

import (
	"testing"

	"github.com/ggoodman/devbridge-go/internal/route"
)

func TestResolve(t *testing.T) {
	const prefix = "/__bridge"

	tests := []struct {
		name      string
		method    string
		path      string
		query     string
		wantOK    bool
		wantRoute route.Route
		wantPath  string
		wantAPI   string
	}{
		{name: "outside prefix", method: "GET", path: "/index.html", wantOK: false},
		{name: "prefix lookalike", method: "GET", path: "/__bridgex/state", wantOK: false},
		{name: "prefix root", method: "GET", path: prefix, wantOK: true, wantRoute: route.NotFound, wantPath: "/"},
		{name: "health", method: "GET", path: prefix + "/health", wantOK: true, wantRoute: route.Health, wantPath: "/health"},
		{name: "state with query", method: "GET", path: prefix + "/state", query: "source=test", wantOK: true, wantRoute: route.State, wantPath: "/state"},
		{name: "runtime status", method: "GET", path: prefix + "/runtime/status", wantOK: true, wantRoute: route.RuntimeStatus, wantPath: "/runtime/status"},
		{name: "start requires post", method: "GET", path: prefix + "/runtime/start", wantOK: true, wantRoute: route.NotFound, wantPath: "/runtime/start"},
		{name: "start", method: "POST", path: prefix + "/runtime/start", wantOK: true, wantRoute: route.RuntimeStart, wantPath: "/runtime/start"},
		{name: "restart", method: "POST", path: prefix + "/runtime/restart", wantOK: true, wantRoute: route.RuntimeRestart, wantPath: "/runtime/restart"},
		{name: "stop", method: "POST", path: prefix + "/runtime/stop", wantOK: true, wantRoute: route.RuntimeStop, wantPath: "/runtime/stop"},
		{name: "empty method defaults to GET", method: "", path: prefix + "/health", wantOK: true, wantRoute: route.Health, wantPath: "/health"},
		{name: "api any method", method: "DELETE", path: prefix + "/api/users/1", query: "force=1", wantOK: true, wantRoute: route.API, wantPath: "/api/users/1", wantAPI: "/users/1?force=1"},
		{name: "api root", method: "GET", path: prefix + "/api", wantOK: true, wantRoute: route.API, wantPath: "/api", wantAPI: ""},
		{name: "events", method: "GET", path: prefix + "/events", wantOK: true, wantRoute: route.Events, wantPath: "/events"},
		{name: "unknown", method: "GET", path: prefix + "/nope", wantOK: true, wantRoute: route.NotFound, wantPath: "/nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := route.Resolve(tt.method, tt.path, tt.query, prefix)
			if ok != tt.wantOK {
				t.Fatalf("ok: want %v got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if m.Route != tt.wantRoute {
				t.Fatalf("route: want %s got %s", tt.wantRoute, m.Route)
			}
			if m.Path != tt.wantPath {
				t.Fatalf("path: want %q got %q", tt.wantPath, m.Path)
			}
			if tt.wantRoute == route.API && m.APIPath() != tt.wantAPI {
				t.Fatalf("api path: want %q got %q", tt.wantAPI, m.APIPath())
			}
		})
	}
}

func TestResolveKeepsQuery(t *testing.T) {
	m, ok := route.Resolve("GET", "/p/state", "a=1&b=2", "/p")
	if !ok {
		t.Fatalf("expected match")
	}
	if want, got := "/state?a=1&b=2", m.PathWithQuery; want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if want, got := "GET /state", m.Key(); want != got {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestResolveKeepsEncodedDelimiters(t *testing.T) {
	m, ok := route.Resolve("GET", "/p/api/echo/a%2Fb%3Fsecret=1%23frag", "", "/p")
	if !ok {
		t.Fatalf("expected match")
	}
	if want, got := route.API, m.Route; want != got {
		t.Fatalf("route: want %s got %s", want, got)
	}
	if want, got := "/echo/a%2Fb%3Fsecret=1%23frag", m.APIEscapedPath(); want != got {
		t.Fatalf("api path: want %q got %q", want, got)
	}
}

func TestIsEventsPath(t *testing.T) {
	if !route.IsEventsPath("/__bridge/events", "/__bridge") {
		t.Fatalf("expected events path")
	}
	if route.IsEventsPath("/__bridge/events/x", "/__bridge") {
		t.Fatalf("unexpected events path match")
	}
}
