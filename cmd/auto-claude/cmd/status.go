package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/project"
	"github.com/auto-claude/auto-claude/internal/runstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's published state",
	Long: `Read the project's status file and print the daemon snapshot:
running tasks, the queue, and completion counts.

The file is the daemon's source of truth for observers; this command
never talks to the daemon process itself.`,
	RunE: runStatus,
}

var (
	statusWatch   bool
	statusJSON    bool
	statusHistory int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "re-read and re-print every 2 seconds")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot JSON")
	statusCmd.Flags().IntVar(&statusHistory, "history", 0, "also print the last N recorded runs")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	root, err := resolveProjectDir()
	if err != nil {
		return err
	}
	layout := project.NewLayout(root)

	if statusHistory > 0 {
		if err := printHistory(cmd, layout, statusHistory); err != nil {
			return err
		}
		if !statusWatch {
			return nil
		}
	}

	for {
		if err := printSnapshot(cmd, layout.StatusFile()); err != nil {
			return err
		}
		if !statusWatch {
			return nil
		}
		time.Sleep(2 * time.Second)
		fmt.Fprintln(cmd.OutOrStdout())
	}
}

func printSnapshot(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon: not running (no status file)")
			return nil
		}
		return fmt.Errorf("reading status file: %w", err)
	}

	if statusJSON {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	var snap core.DaemonSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing status file: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(&snap))
	return nil
}

// renderSnapshot formats one snapshot for the terminal.
func renderSnapshot(snap *core.DaemonSnapshot) string {
	out := ""
	if snap.Running {
		out += fmt.Sprintf("daemon: running (pid %d, since %s)\n",
			snap.PID, snap.StartedAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		out += "daemon: stopped\n"
	}
	if snap.WSPort != nil {
		out += fmt.Sprintf("websocket: ws://127.0.0.1:%d/ws\n", *snap.WSPort)
	}
	out += fmt.Sprintf("tasks: %d running, %d queued, %d completed\n",
		snap.Stats.Running, snap.Stats.Queued, snap.Stats.Completed)

	if len(snap.RunningTasks) > 0 {
		out += "\nrunning:\n"
		ids := make([]string, 0, len(snap.RunningTasks))
		for id := range snap.RunningTasks {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			info := snap.RunningTasks[core.SpecID(id)]
			line := fmt.Sprintf("  %-24s %-12s %s", id, info.Status, info.Phase)
			if info.CurrentSubtask != "" {
				line += "  (" + info.CurrentSubtask + ")"
			}
			out += line + "\n"
		}
	}

	if len(snap.QueuedTasks) > 0 {
		out += "\nqueued:\n"
		for _, ref := range snap.QueuedTasks {
			out += fmt.Sprintf("  %-24s p%d\n", ref.SpecID, ref.Priority)
		}
	}
	return out
}

func printHistory(cmd *cobra.Command, layout project.Layout, limit int) error {
	store, err := runstore.Open(layout.RunDBFile())
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	runs, err := store.History(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "history: no recorded runs")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %-14s %-10s %s\n",
		"SPEC", "KIND", "STATUS", "DURATION", "QA (ok/total)")
	for _, r := range runs {
		status := r.Status
		if status == "" {
			status = "running"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %-14s %-10s %d/%d\n",
			r.SpecID, r.Kind, status, r.Duration.Round(time.Second), r.QAApproved, r.QAIterations)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
