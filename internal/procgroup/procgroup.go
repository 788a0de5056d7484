// Package procgroup spawns child processes in their own process group so
// that stopping an encoder also reaps any helpers it forked.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Set configures the command to start in a new process group. Mandatory
// for Terminate to reach the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops a running command: SIGTERM to the group, wait up to
// grace for the process to exit, then SIGKILL. waitCh must deliver the
// result of cmd.Wait exactly once; its error is consumed and returned.
// Safe to call on nil or never-started commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = kill(cmd, syscall.SIGKILL)
	return <-waitCh
}
