//go:build darwin

package procutil

import (
	"os/exec"
	"syscall"
)

// StartWithCleanup starts cmd in its own process group so terminal
// interrupts reach only the bridge. macOS has no parent-death signal: an
// agent outlives a bridge killed with SIGKILL.
func StartWithCleanup(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	return cmd.Start()
}
