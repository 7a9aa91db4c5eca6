//go:build windows

package validators

import (
	"os/exec"
	"strconv"
	"syscall"
)

// configureGroupAttr creates a new process group so taskkill /T can reach
// the entire dev-server tree.
func configureGroupAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func terminateGroup(cmd *exec.Cmd) {
	taskkill(cmd)
}

func killGroupHard(cmd *exec.Cmd) {
	taskkill(cmd)
}

func taskkill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}
