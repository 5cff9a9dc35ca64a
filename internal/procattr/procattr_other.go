//go:build !linux

// Package procattr configures agent subprocesses so their whole process
// tree can be signalled at once and never outlives the server.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the agent CLI in its own process group so interrupts reach the
// shells and tools it spawns. Pdeathsig does not exist off Linux; a CLI
// orphaned by a server crash lingers until its group is killed explicitly.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
