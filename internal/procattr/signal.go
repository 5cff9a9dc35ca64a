package procattr

import (
	"os"
	"syscall"
)

// SignalGroup delivers sig to every process in p's group. Signalling the
// negative pid reaches the agent CLI and anything it spawned.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup force-kills the group. This is the interrupt path, where a fast
// stop matters more than a clean one.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}
