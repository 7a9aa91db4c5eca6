//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup places the child in its own process group so termination
// signals reach the pipeline process and everything it spawns.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree signals the child's process group: SIGTERM, then SIGKILL if the
// process has not exited when grace runs out. exited must close when Wait
// returns.
func killTree(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		// Group may be gone already; fall back to the single process.
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
