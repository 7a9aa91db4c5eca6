//go:build windows

package daemon

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// setProcGroup starts the child in a new process group, the Windows
// equivalent of setpgid, so taskkill /T can reach the whole tree.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killTree terminates the child tree via taskkill. Windows has no SIGTERM;
// the grace window still applies between the soft and forced attempts.
func killTree(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) error {
	if cmd.Process == nil {
		return nil
	}
	pid := strconv.Itoa(cmd.Process.Pid)
	_ = exec.Command("taskkill", "/T", "/PID", pid).Run()
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", pid).Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
