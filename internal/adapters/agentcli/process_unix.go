//go:build !windows

package agentcli

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr places the child in its own process group so the whole
// tree can be signaled together.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGTERM to the process group, waits up to grace for the
// session's reaper (signaled by exited), then SIGKILLs survivors.
func killGroup(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process already reaped.
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}
