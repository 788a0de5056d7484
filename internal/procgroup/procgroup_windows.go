//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

func set(cmd *exec.Cmd) {}

// kill maps SIGKILL to Process.Kill. Windows has no reliable graceful
// termination via signals, so SIGTERM is a no-op and Terminate's grace
// period simply delays the hard kill.
func kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}
