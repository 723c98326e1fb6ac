package standalone

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/devbridge-go/bridge"
)

// ErrRegistryClosed is returned by Get after CloseAll.
var ErrRegistryClosed = errors.New("standalone registry closed")

// Registry keeps at most one Server per key, created on first use.
type Registry struct {
	opts []Option

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	done chan struct{}
	srv  *Server
	err  error
}

// NewRegistry returns an empty registry. opts apply to every Server it
// starts, before the options given to Get.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts, entries: make(map[string]*entry)}
}

// Get returns the server for key, starting it from cfg when there is none.
// Concurrent calls for one key share one start. A failed start is forgotten
// so the next Get tries again. Cancelling ctx abandons the wait, not the
// start.
func (r *Registry) Get(ctx context.Context, key string, cfg bridge.Config, opts ...Option) (*Server, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{done: make(chan struct{})}
		r.entries[key] = e
		go r.start(context.WithoutCancel(ctx), key, e, cfg, append(append([]Option{}, r.opts...), opts...))
	}
	r.mu.Unlock()

	select {
	case <-e.done:
		return e.srv, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) start(ctx context.Context, key string, e *entry, cfg bridge.Config, opts []Option) {
	e.srv, e.err = Start(ctx, cfg, opts...)
	if e.err != nil {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}
	close(e.done)
}

// Close closes and forgets the server for key, waiting for a start in
// flight. Closing an unknown key is a no-op.
func (r *Registry) Close(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return closeEntry(ctx, e)
}

// CloseAll closes every server and refuses further Gets.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, closeEntry(ctx, e))
	}
	return errors.Join(errs...)
}

func closeEntry(ctx context.Context, e *entry) error {
	select {
	case <-e.done:
	case <-ctx.Done():
		// The start still completes; close what it produces.
		go func() {
			<-e.done
			if e.err == nil {
				_ = e.srv.Close(context.Background())
			}
		}()
		return ctx.Err()
	}
	if e.err != nil {
		return nil
	}
	return e.srv.Close(ctx)
}
