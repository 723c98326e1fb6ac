package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/devbridge-go/internal/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	ErrCommandNotConfigured = errors.New("runtime command is not configured")
	ErrStartAborted         = errors.New("runtime start aborted by stop")
	ErrExitedBeforeHealthy  = errors.New("runtime exited before its health check passed")
	ErrKillTimeout          = errors.New("runtime did not exit after SIGKILL")
)

// killWait bounds how long a SIGKILLed child may take to be reaped.
const killWait = 2 * time.Second

// ControlSupport reports whether the supervisor can spawn a runtime.
type ControlSupport struct {
	HasRuntimeControl bool
	// Reason is "configured" or "missing_command".
	Reason string
}

type child struct {
	cmd     *exec.Cmd
	pid     int
	exited  chan struct{}
	exitErr error
}

type listener struct {
	id uint64
	fn func(Status)
}

// Supervisor owns at most one runtime child process and its phase machine.
// All methods are safe for concurrent use.
type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
	health *http.Client
	tracer trace.Tracer

	mu        sync.Mutex
	status    Status
	child     *child
	listeners []listener
	nextID    uint64
	// stops counts Stop calls. A start that sees it move before its child is
	// published has been overtaken by a stop and must not spawn or publish.
	stops uint64

	flight singleflight.Group

	// spawned, when set, runs after the child process is started and before
	// it is published.
	spawned func(pid int)
}

// New builds a stopped Supervisor. Nothing is spawned until Start.
func New(cfg Config, opts ...Option) *Supervisor {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: 2 * time.Second}
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		log:    logctx.Wrap(o.logger),
		stdout: o.stdout,
		stderr: o.stderr,
		health: o.client,
		tracer: otel.Tracer("github.com/ggoodman/devbridge-go/supervisor"),
		status: stoppedStatus(),
	}
}

// Config returns the effective configuration, defaults applied.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Status returns a snapshot of the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RuntimeURL returns the runtime base URL, or "" when not starting/running.
func (s *Supervisor) RuntimeURL() string {
	return s.Status().RuntimeURL()
}

// ControlSupport reports whether a runtime command is configured.
func (s *Supervisor) ControlSupport() ControlSupport {
	if s.cfg.Command == "" {
		return ControlSupport{HasRuntimeControl: false, Reason: "missing_command"}
	}
	return ControlSupport{HasRuntimeControl: true, Reason: "configured"}
}

// OnStatusChange registers fn to receive every status transition, in order.
// fn runs while the supervisor holds its lock and must not call back into it.
func (s *Supervisor) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// EnsureStarted returns immediately when running, otherwise it starts.
func (s *Supervisor) EnsureStarted(ctx context.Context) (Status, error) {
	if st := s.Status(); st.Phase == PhaseRunning {
		return st, nil
	}
	return s.Start(ctx)
}

// Start spawns the runtime and waits for its health check. Concurrent calls
// share one in-flight start. Cancelling ctx stops the wait, not the start.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	if st := s.Status(); st.Phase == PhaseRunning {
		return st, nil
	}
	return s.coalesce(ctx, "start", s.start)
}

// Restart stops then starts the runtime.
func (s *Supervisor) Restart(ctx context.Context) (Status, error) {
	if _, err := s.Stop(ctx); err != nil {
		return s.Status(), err
	}
	st, err := s.Start(ctx)
	if errors.Is(err, ErrStartAborted) {
		// Joined a start that predates our own stop.
		return s.Start(ctx)
	}
	return st, err
}

// Stop terminates the runtime. Stopping a stopped supervisor returns at once
// without a transition; concurrent calls share one in-flight stop. A start
// still spawning when Stop is called is aborted with ErrStartAborted.
func (s *Supervisor) Stop(ctx context.Context) (Status, error) {
	s.mu.Lock()
	s.stops++
	if s.child == nil {
		st := s.settleIdleLocked()
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()
	return s.coalesce(ctx, "stop", s.stop)
}

func (s *Supervisor) coalesce(ctx context.Context, key string, fn func(context.Context) (Status, error)) (Status, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		st, _ := res.Val.(Status)
		return st, res.Err
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// settleIdleLocked moves a child-less supervisor to stopped, clearing any
// error, and returns the resulting status.
func (s *Supervisor) settleIdleLocked() Status {
	if s.status.Phase != PhaseStopped {
		s.setStatusLocked(stoppedStatus())
	}
	return s.status
}

func (s *Supervisor) start(ctx context.Context) (st Status, err error) {
	if !s.ControlSupport().HasRuntimeControl {
		return s.Status(), ErrCommandNotConfigured
	}

	s.mu.Lock()
	phase, busy, gen := s.status.Phase, s.child != nil, s.stops
	s.mu.Unlock()
	if phase == PhaseRunning {
		return s.Status(), nil
	}
	if busy {
		// Only a stop in progress leaves a child behind outside of start. Join
		// it without counting as a new stop.
		if _, err := s.coalesce(ctx, "stop", s.stop); err != nil {
			return s.Status(), err
		}
	}

	ctx, span := s.tracer.Start(ctx, "supervisor.start", trace.WithAttributes(
		attribute.String("runtime.command", s.cfg.Command),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	startedAt := time.Now()
	port, err := allocatePort(s.cfg.Host)
	if err != nil {
		return s.fail(fmt.Errorf("allocate runtime port: %w", err))
	}
	url := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	span.SetAttributes(attribute.String("runtime.url", url))

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.environ(port)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	configureProcess(cmd)

	if s.stoppedSince(gen) {
		return s.Status(), ErrStartAborted
	}
	if err := cmd.Start(); err != nil {
		s.log.ErrorContext(ctx, "runtime.spawn.fail", slog.String("command", s.cfg.Command), slog.String("err", err.Error()))
		return s.fail(fmt.Errorf("spawn runtime: %w", err))
	}

	c := &child{cmd: cmd, pid: cmd.Process.Pid, exited: make(chan struct{})}
	if s.spawned != nil {
		s.spawned(c.pid)
	}
	s.mu.Lock()
	if s.stops != gen {
		s.mu.Unlock()
		go s.reap(c)
		s.log.InfoContext(ctx, "runtime.start.aborted", slog.Int("pid", c.pid))
		if err := s.terminate(c, 0); err != nil {
			s.log.ErrorContext(ctx, "runtime.kill.fail", slog.Int("pid", c.pid), slog.String("err", err.Error()))
		}
		return s.Status(), ErrStartAborted
	}
	s.child = c
	s.setStatusLocked(liveStatus(PhaseStarting, url, c.pid, startedAt))
	s.mu.Unlock()
	go s.reap(c)

	ctx = logctx.WithRuntimeData(ctx, &logctx.RuntimeData{Phase: string(PhaseStarting), PID: c.pid, URL: url})
	s.log.InfoContext(ctx, "runtime.spawn.ok")

	if err := s.waitForHealth(ctx, c, url); err != nil {
		s.log.WarnContext(ctx, "runtime.health.fail", slog.String("err", err.Error()))
		return s.abortStart(c, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != c || s.status.Phase != PhaseStarting {
		if s.status.Phase == PhaseError {
			return s.status, errors.New(s.status.Err())
		}
		return s.status, ErrStartAborted
	}
	s.setStatusLocked(liveStatus(PhaseRunning, url, c.pid, startedAt))
	s.log.InfoContext(ctx, "runtime.start.ok", slog.Duration("dur", time.Since(startedAt)))
	return s.status, nil
}

func (s *Supervisor) stoppedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops != gen
}

func (s *Supervisor) environ(port int) []string {
	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	// Later entries win in exec, so the port assignment cannot be shadowed.
	return append(env, s.cfg.PortEnvVar+"="+strconv.Itoa(port))
}

func (s *Supervisor) waitForHealth(ctx context.Context, c *child, baseURL string) error {
	target := baseURL + s.cfg.HealthPath

	check := func() (struct{}, error) {
		select {
		case <-c.exited:
			if c.exitErr != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrExitedBeforeHealthy, c.exitErr))
			}
			return struct{}{}, backoff.Permanent(ErrExitedBeforeHealthy)
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := s.health.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("health check failed with %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.HealthInterval)),
		backoff.WithMaxElapsedTime(s.cfg.StartTimeout),
	)
	if err != nil && !errors.Is(err, ErrExitedBeforeHealthy) {
		return fmt.Errorf("runtime not healthy after %s: %w", s.cfg.StartTimeout, err)
	}
	return err
}

// abortStart kills a child that failed its start and settles the phase. A
// stop racing the start wins and the start reports ErrStartAborted.
func (s *Supervisor) abortStart(c *child, cause error) (Status, error) {
	s.mu.Lock()
	if s.child == c && s.status.Phase == PhaseStarting {
		s.child = nil
		s.mu.Unlock()
		_ = s.terminate(c, 0)
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	switch s.status.Phase {
	case PhaseStopping, PhaseStopped:
		return s.status, fmt.Errorf("%w: %v", ErrStartAborted, cause)
	case PhaseError:
		// The reaper already recorded the exit.
		return s.status, cause
	}
	s.setStatusLocked(errorStatus(cause.Error()))
	return s.status, cause
}

func (s *Supervisor) fail(err error) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(errorStatus(err.Error()))
	return s.status, err
}

// reap waits for c to exit. An exit nobody asked for degrades to error.
func (s *Supervisor) reap(c *child) {
	c.exitErr = c.cmd.Wait()
	close(c.exited)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != c || s.status.Phase == PhaseStopping {
		return
	}
	s.child = nil
	msg := "runtime exited unexpectedly"
	if c.exitErr != nil {
		msg += ": " + c.exitErr.Error()
	}
	s.log.Warn("runtime.exit.unexpected", slog.Int("pid", c.pid), slog.String("err", msg))
	s.setStatusLocked(errorStatus(msg))
}

func (s *Supervisor) stop(ctx context.Context) (Status, error) {
	s.mu.Lock()
	c := s.child
	if c == nil {
		st := s.settleIdleLocked()
		s.mu.Unlock()
		return st, nil
	}
	s.setStatusLocked(Status{Phase: PhaseStopping})
	s.mu.Unlock()

	ctx = logctx.WithRuntimeData(ctx, &logctx.RuntimeData{Phase: string(PhaseStopping), PID: c.pid})
	start := time.Now()
	err := s.terminate(c, s.cfg.StopTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == c {
		s.child = nil
	}
	if err != nil {
		s.log.ErrorContext(ctx, "runtime.stop.fail", slog.String("err", err.Error()))
		s.setStatusLocked(errorStatus(err.Error()))
		return s.status, fmt.Errorf("stop runtime: %w", err)
	}
	s.setStatusLocked(stoppedStatus())
	s.log.InfoContext(ctx, "runtime.stop.ok", slog.Duration("dur", time.Since(start)))
	return s.status, nil
}

// terminate signals c and waits for it to be reaped. With a zero grace the
// child is killed immediately, otherwise SIGTERM precedes SIGKILL.
func (s *Supervisor) terminate(c *child, grace time.Duration) error {
	select {
	case <-c.exited:
		return nil
	default:
	}

	if grace > 0 {
		if err := interruptProcess(c.cmd.Process); err == nil {
			select {
			case <-c.exited:
				return nil
			case <-time.After(grace):
			}
		}
	}

	_ = killProcess(c.cmd.Process)
	select {
	case <-c.exited:
		return nil
	case <-time.After(killWait):
		return ErrKillTimeout
	}
}

func (s *Supervisor) setStatusLocked(next Status) {
	s.status = next
	for _, l := range s.listeners {
		l.fn(next)
	}
}

func allocatePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", ln.Addr())
	}
	return addr.Port, nil
}
