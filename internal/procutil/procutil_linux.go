//go:build linux

package procutil

import (
	"os/exec"
	"syscall"
)

// StartWithCleanup starts cmd in its own process group with Pdeathsig set.
// Terminal interrupts then reach only the bridge, which stops the agent
// itself, and the kernel kills the agent if the bridge dies first.
func StartWithCleanup(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
	return cmd.Start()
}
