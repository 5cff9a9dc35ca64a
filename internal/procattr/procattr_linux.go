//go:build linux

// Package procattr configures agent subprocesses so their whole process
// tree can be signalled at once and never outlives the server.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the agent CLI in its own process group and asks the kernel to
// SIGTERM it when the server dies first. The CLI spawns shells and tools of
// its own; group membership is what lets an interrupt reach all of them.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
