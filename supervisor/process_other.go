//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// interruptProcess kills outright: there is no portable SIGTERM here.
func interruptProcess(p *os.Process) error { return p.Kill() }

func killProcess(p *os.Process) error { return p.Kill() }
