package supervisor

import "time"

// Phase is the lifecycle phase of the supervised runtime.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseError    Phase = "error"
)

// Status is a snapshot of the runtime. URL, PID and StartedAt are set only
// while the phase is starting or running; LastError only in the error phase.
// Pointer fields are never mutated after a Status is published, so copies
// may be shared freely.
type Status struct {
	Phase Phase `json:"phase" jsonschema:"enum=stopped,enum=starting,enum=running,enum=stopping,enum=error"`
	// URL is the runtime's HTTP base URL, e.g. http://127.0.0.1:53122.
	URL *string `json:"url"`
	PID *int    `json:"pid"`
	// StartedAt is the spawn time in unix milliseconds.
	StartedAt *int64  `json:"startedAt"`
	LastError *string `json:"lastError"`
}

// RuntimeURL returns the URL or "" when none is set.
func (s Status) RuntimeURL() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// ProcessID returns the pid or 0 when none is set.
func (s Status) ProcessID() int {
	if s.PID == nil {
		return 0
	}
	return *s.PID
}

// Err returns the last error message or "".
func (s Status) Err() string {
	if s.LastError == nil {
		return ""
	}
	return *s.LastError
}

func stoppedStatus() Status {
	return Status{Phase: PhaseStopped}
}

func errorStatus(msg string) Status {
	return Status{Phase: PhaseError, LastError: &msg}
}

func liveStatus(phase Phase, url string, pid int, startedAt time.Time) Status {
	ms := startedAt.UnixMilli()
	return Status{Phase: phase, URL: &url, PID: &pid, StartedAt: &ms}
}
