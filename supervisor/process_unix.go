//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcess puts the runtime in its own process group so signals
// reach whatever the command spawns as well.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Group signalling can be refused; fall back to the leader alone.
	return p.Signal(sig)
}

func interruptProcess(p *os.Process) error { return signalGroup(p, syscall.SIGTERM) }

func killProcess(p *os.Process) error { return signalGroup(p, syscall.SIGKILL) }
