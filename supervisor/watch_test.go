package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/devbridge-go/supervisor"
)

type fakeRestarter struct {
	mu       sync.Mutex
	phase    supervisor.Phase
	restarts chan struct{}
}

func (f *fakeRestarter) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Phase: f.phase}
}

func (f *fakeRestarter) Restart(ctx context.Context) (supervisor.Status, error) {
	f.restarts <- struct{}{}
	return f.Status(), nil
}

func TestWatchRestartsOnce(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRestarter{phase: supervisor.PhaseRunning, restarts: make(chan struct{}, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := supervisor.Watch(ctx, r, []string{dir}, 100*time.Millisecond, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	for i := range 5 {
		mustWriteFile(t, filepath.Join(dir, "main.go"), []byte{byte('a' + i)})
	}

	select {
	case <-r.restarts:
	case <-time.After(5 * time.Second):
		t.Fatalf("no restart after change")
	}
	select {
	case <-r.restarts:
		t.Fatalf("burst of writes restarted more than once")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRestarter{phase: supervisor.PhaseRunning, restarts: make(chan struct{}, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := supervisor.Watch(ctx, r, []string{dir}, 50*time.Millisecond, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	select {
	case <-r.restarts:
	case <-time.After(5 * time.Second):
		t.Fatalf("no restart after mkdir")
	}

	mustWriteFile(t, filepath.Join(sub, "x.go"), []byte("package pkg"))
	select {
	case <-r.restarts:
	case <-time.After(5 * time.Second):
		t.Fatalf("no restart after write in new directory")
	}
}

func TestWatchIgnoresStoppedRuntime(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRestarter{phase: supervisor.PhaseStopped, restarts: make(chan struct{}, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := supervisor.Watch(ctx, r, []string{dir}, 20*time.Millisecond, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}
	mustWriteFile(t, filepath.Join(dir, "main.go"), []byte("x"))

	select {
	case <-r.restarts:
		t.Fatalf("stopped runtime was restarted")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchMissingPath(t *testing.T) {
	r := &fakeRestarter{restarts: make(chan struct{}, 1)}
	err := supervisor.Watch(context.Background(), r, []string{filepath.Join(t.TempDir(), "nope")}, 0, nil)
	if err == nil {
		t.Fatalf("expected error for a missing path")
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
