// Package runtimetest turns the running test binary into a toy runtime.
//
// Test packages call MaybeRun from TestMain. When the supervisor re-executes
// the test binary with a mode set in the environment, MaybeRun serves that
// mode and exits instead of running the tests.
package runtimetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/ggoodman/devbridge-go/supervisor"
	"github.com/gorilla/websocket"
)

type Mode string

const (
	// ModeServe answers the health path and a few /api endpoints, and echoes
	// WebSocket frames on any other path.
	ModeServe Mode = "serve"
	// ModeStubborn is ModeServe but ignores SIGTERM.
	ModeStubborn Mode = "stubborn"
	// ModeExit exits with status 3 shortly after starting.
	ModeExit Mode = "exit"
	// ModeHang never listens.
	ModeHang Mode = "hang"
)

const (
	modeEnv = "DEVBRIDGE_RUNTIMETEST_MODE"
	PortEnv = "DEVBRIDGE_RUNTIMETEST_PORT"
)

// MaybeRun serves the toy runtime and exits when the process was started in
// one of the runtime modes. It returns immediately otherwise.
func MaybeRun() {
	mode := Mode(os.Getenv(modeEnv))
	if mode == "" {
		return
	}
	os.Exit(run(mode))
}

// Config returns a supervisor config that spawns the current test binary in
// the given mode, with timings tightened for tests.
func Config(t testing.TB, mode Mode) supervisor.Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test executable: %v", err)
	}
	return supervisor.Config{
		Command:        exe,
		Args:           []string{"-test.run=^$"},
		Env:            map[string]string{modeEnv: string(mode)},
		PortEnvVar:     PortEnv,
		StartTimeout:   5 * time.Second,
		HealthInterval: 20 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func run(mode Mode) int {
	switch mode {
	case ModeExit:
		time.Sleep(10 * time.Millisecond)
		return 3
	case ModeHang:
		time.Sleep(time.Hour)
		return 0
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	case ModeServe:
	default:
		fmt.Fprintf(os.Stderr, "runtimetest: unknown mode %q\n", mode)
		return 2
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", os.Getenv(PortEnv)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtimetest: listen: %v\n", err)
		return 1
	}
	if err := http.Serve(ln, handler()); err != nil {
		fmt.Fprintf(os.Stderr, "runtimetest: serve: %v\n", err)
		return 1
	}
	return 0
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runtime": "e2e"})
	})
	mux.HandleFunc("GET /api/pid", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pid": os.Getpid()})
	})
	echo := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusOK, map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"rawPath": r.URL.EscapedPath(),
			"query":   r.URL.RawQuery,
			"body":    string(body),
			"header":  r.Header.Get("X-Test"),
		})
	}
	mux.HandleFunc("/api/echo", echo)
	mux.HandleFunc("/api/echo/", echo)
	mux.HandleFunc("GET /api/cookies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "a=1; Path=/")
		w.Header().Add("Set-Cookie", "b=2; Path=/")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /api/boom", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false})
	})
	mux.HandleFunc("/", echoSocket)
	return mux
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func echoSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(typ, data); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
