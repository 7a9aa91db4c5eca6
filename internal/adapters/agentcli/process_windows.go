//go:build windows

package agentcli

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// configureProcAttr creates a new process group so taskkill /T can reach the
// entire tree (binary wrapper, node, browser children).
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killGroup terminates the process tree with taskkill /T /F, falling back to
// Process.Kill when taskkill is unavailable. Grace is not honored; Windows
// has no SIGTERM equivalent worth waiting on.
func killGroup(cmd *exec.Cmd, _ time.Duration, exited <-chan struct{}) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}

	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
