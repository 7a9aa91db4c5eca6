package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/lockfile"
	"github.com/auto-claude/auto-claude/internal/project"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Ask the project's daemon to drain and exit. The control route on the
status server is tried first; when the daemon runs without its WebSocket
server the fall-back is a termination signal to the pid on record.`,
	RunE: runStop,
}

var stopTimeout time.Duration

func init() {
	rootCmd.AddCommand(stopCmd)

	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 60*time.Second,
		"how long to wait for the daemon to release its lock")
}

func runStop(cmd *cobra.Command, _ []string) error {
	root, err := resolveProjectDir()
	if err != nil {
		return err
	}
	layout := project.NewLayout(root)

	pid, held := lockfile.Holder(layout.LockFile())
	if !held {
		fmt.Fprintln(cmd.OutOrStdout(), "daemon: not running")
		return nil
	}

	if stopViaControl(layout.StatusFile()) {
		fmt.Fprintf(cmd.OutOrStdout(), "stop requested (pid %d)\n", pid)
	} else if err := signalStop(pid); err != nil {
		return core.ErrProjectState(core.CodeLockAcquireFailed,
			fmt.Sprintf("cannot reach daemon pid %d: %v", pid, err))
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "termination signal sent (pid %d)\n", pid)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, stillHeld := lockfile.Holder(layout.LockFile()); !stillHeld {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, stopTimeout)
}

// stopViaControl posts a stop command to the status server when the
// published snapshot carries a live WebSocket port.
func stopViaControl(statusFile string) bool {
	data, err := os.ReadFile(statusFile)
	if err != nil {
		return false
	}
	var snap core.DaemonSnapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.WSPort == nil {
		return false
	}

	body, _ := json.Marshal(map[string]string{"command": "stop"})
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(
		fmt.Sprintf("http://127.0.0.1:%d/control", *snap.WSPort),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// signalStop terminates the daemon process directly. gopsutil picks the
// platform mechanism, which matters on windows where no SIGTERM exists.
func signalStop(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return proc.Terminate()
}
