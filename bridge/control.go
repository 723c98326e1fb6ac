package bridge

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/devbridge-go/supervisor"
)

type action string

const (
	actionStart   action = "start"
	actionRestart action = "restart"
	actionStop    action = "stop"
)

// Start enables auto-start and starts the runtime. Start, Restart and Stop
// return ErrClosed once the bridge is closed.
func (b *Bridge) Start(ctx context.Context) (supervisor.Status, error) {
	return b.control(ctx, actionStart)
}

// Restart enables auto-start and restarts the runtime.
func (b *Bridge) Restart(ctx context.Context) (supervisor.Status, error) {
	return b.control(ctx, actionRestart)
}

// Stop disables auto-start and stops the runtime. Auto-start stays off until
// the next Start or Restart, so a deliberate stop is not undone by traffic.
func (b *Bridge) Stop(ctx context.Context) (supervisor.Status, error) {
	return b.control(ctx, actionStop)
}

// Watch restarts a running runtime through Restart whenever files under the
// configured watch paths change, until ctx is done. Without watch paths it
// does nothing.
func (b *Bridge) Watch(ctx context.Context) error {
	paths := b.cfg.Runtime.WatchPaths
	if len(paths) == 0 {
		return nil
	}
	return supervisor.Watch(ctx, watchTarget{b}, paths, b.cfg.Runtime.WatchDebounce, b.log)
}

type watchTarget struct{ *Bridge }

func (w watchTarget) Status() supervisor.Status { return w.RuntimeStatus() }

func (b *Bridge) control(ctx context.Context, a action) (st supervisor.Status, err error) {
	if b.closed.Load() {
		return b.sup.Status(), ErrClosed
	}
	defer func() { b.metrics.ControlRequest(string(a), err) }()

	switch a {
	case actionStart:
		if !b.caps.HasRuntimeControl {
			return b.sup.Status(), supervisor.ErrCommandNotConfigured
		}
		b.autoStart.Store(true)
		st, err = b.sup.Start(ctx)
	case actionRestart:
		if !b.caps.HasRuntimeControl {
			return b.sup.Status(), supervisor.ErrCommandNotConfigured
		}
		b.autoStart.Store(true)
		st, err = b.sup.Restart(ctx)
	case actionStop:
		b.autoStart.Store(false)
		st, err = b.sup.Stop(ctx)
	}
	if err == nil && a != actionStop && b.closed.Load() {
		// Close landed while the runtime was starting.
		_, _ = b.sup.Stop(context.WithoutCancel(ctx))
		return b.sup.Status(), ErrClosed
	}
	if err != nil {
		b.log.WarnContext(ctx, "runtime."+string(a)+".fail", slog.String("err", err.Error()))
		b.reportRuntimeError(err.Error())
	}
	return st, err
}

func (b *Bridge) handleControl(w http.ResponseWriter, r *http.Request, a action) {
	if r.ContentLength > 0 && r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeError(w, http.StatusUnsupportedMediaType, CodeInvalidRequest, "content-type must be application/json", false, nil)
			return
		}
	}

	if a != actionStop && !b.caps.HasRuntimeControl {
		writeError(w, http.StatusServiceUnavailable, CodeRuntimeStartFailed, "Runtime command is not configured", true, map[string]any{
			"fallbackCommand": b.cfg.FallbackCommand,
			"reason":          "missing_command",
		})
		return
	}

	st, err := b.control(r.Context(), a)
	if err != nil {
		status, code := http.StatusServiceUnavailable, CodeRuntimeStartFailed
		if a == actionStop {
			status, code = http.StatusInternalServerError, CodeRuntimeControlFailed
		}
		writeError(w, status, code, err.Error(), true, map[string]any{
			"fallbackCommand": b.cfg.FallbackCommand,
		})
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Success: true, Runtime: st})
}

// handleState starts a stopped runtime when auto-start allows it. A failed
// start is not an error here: the snapshot already says so.
func (b *Bridge) handleState(w http.ResponseWriter, r *http.Request) {
	if b.shouldAutoStart() && b.sup.Status().Phase == supervisor.PhaseStopped {
		if _, err := b.sup.Start(r.Context()); err != nil {
			b.log.InfoContext(r.Context(), "runtime.autostart.fail", slog.String("err", err.Error()))
			b.reportRuntimeError(err.Error())
		}
	}
	writeJSON(w, http.StatusOK, b.State())
}
