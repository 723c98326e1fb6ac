package bridge_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ggoodman/devbridge-go/bridge"
	"github.com/ggoodman/devbridge-go/events"
	"github.com/ggoodman/devbridge-go/supervisor"
)

func TestMuxHostAttach(t *testing.T) {
	host := bridge.NewMuxHost(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("app"))
	}))
	b, err := bridge.New(bridge.Config{})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	b.Attach(host)

	srv := httptest.NewServer(host)
	defer srv.Close()

	var health bridge.HealthResponse
	mustGetJSON(t, srv.URL+"/__bridge/health", http.StatusOK, &health)
	if !health.OK || !health.Bridge {
		t.Fatalf("unexpected health: %+v", health)
	}

	resp, err := http.Get(srv.URL + "/index.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("host handler not reached: want %d got %d", want, got)
	}

	conn := mustDialEvents(t, srv, b.Subprotocol())
	if _, ok := mustReadEvent(t, conn).(*events.RuntimeStatusEvent); !ok {
		t.Fatalf("first frame is not a runtime-status event")
	}

	host.Close()
	mustGetJSON(t, srv.URL+"/__bridge/health", http.StatusServiceUnavailable, nil)
}

func TestLifecycleSetupOnce(t *testing.T) {
	lc := bridge.NewLifecycle(bridge.Config{})
	host := bridge.NewMuxHost(nil)

	const n = 8
	bridges := make([]*bridge.Bridge, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := lc.Setup(host)
			if err != nil {
				t.Errorf("setup: %v", err)
			}
			bridges[i] = b
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if bridges[i] != bridges[0] {
			t.Fatalf("setup %d returned a different bridge", i)
		}
	}
	if lc.Bridge() != bridges[0] {
		t.Fatalf("lifecycle does not hold the bridge")
	}

	if err := lc.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if lc.Bridge() != nil {
		t.Fatalf("bridge kept after teardown")
	}
	if want, got := supervisor.PhaseStopped, bridges[0].RuntimeStatus().Phase; want != got {
		t.Fatalf("unexpected phase: want %s got %s", want, got)
	}

	next, err := lc.Setup(host)
	if err != nil {
		t.Fatalf("setup after teardown: %v", err)
	}
	if next == bridges[0] {
		t.Fatalf("setup after teardown reused a closed bridge")
	}
	_ = lc.Teardown(context.Background())
}

func TestLifecycleSetupError(t *testing.T) {
	lc := bridge.NewLifecycle(bridge.Config{Prefix: "no-slash"})
	if _, err := lc.Setup(bridge.NewMuxHost(nil)); err == nil {
		t.Fatalf("expected setup error")
	}
	if lc.Bridge() != nil {
		t.Fatalf("failed setup left a bridge")
	}
	if err := lc.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
}
