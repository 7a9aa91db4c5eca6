package cmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/diagnostics"
	"github.com/auto-claude/auto-claude/internal/project"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check dependencies, project layout, and host resources",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	root, err := resolveProjectDir()
	if err != nil {
		return err
	}
	layout := project.NewLayout(root)

	loader := config.NewLoaderWithViper(viper.GetViper()).WithProjectDir(root)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, cfgErr := loader.Load()

	fmt.Fprintln(out, "Checking dependencies...")
	fmt.Fprintln(out)

	ok := true
	report := diagnostics.Collect(root)
	if report.GitVersion != "" {
		fmt.Fprintf(out, "  ✓ git (%s)\n", report.GitVersion)
	} else {
		fmt.Fprintln(out, "  ✗ git")
		ok = false
	}

	agentBinary := "claude"
	if cfg != nil && cfg.Agents.Binary != "" {
		agentBinary = cfg.Agents.Binary
	}
	if diagnostics.CheckTool(agentBinary) {
		fmt.Fprintf(out, "  ✓ agent binary (%s)\n", agentBinary)
	} else {
		fmt.Fprintf(out, "  ○ agent binary (%s) not found (sessions will fail to launch)\n", agentBinary)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Checking project...")
	fmt.Fprintln(out)

	if layout.Initialized() {
		fmt.Fprintf(out, "  ✓ specs directory (%s)\n", layout.SpecsDir())
	} else {
		fmt.Fprintf(out, "  ✗ specs directory missing (%s)\n", layout.SpecsDir())
		ok = false
	}
	if cfgErr != nil {
		fmt.Fprintf(out, "  ✗ config: %v\n", cfgErr)
		ok = false
	} else if err := config.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(out, "  ✗ config: %v\n", err)
		ok = false
	} else {
		fmt.Fprintln(out, "  ✓ configuration valid")
	}

	if port, free := firstFreePort(core.WSPortBase, core.WSPortAttempts); free {
		fmt.Fprintf(out, "  ✓ websocket port available (%d)\n", port)
	} else {
		fmt.Fprintf(out, "  ○ no free port in [%d,%d] (another daemon may be running)\n",
			core.WSPortBase, core.WSPortBase+core.WSPortAttempts-1)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Host resources...")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  cpu:    %s (%d threads, %.0f%% busy)\n",
		orUnknown(report.CPUModel), report.CPUCores, report.CPUPercent)
	fmt.Fprintf(out, "  memory: %.1f GB total, %.0f%% used\n",
		report.MemTotalMB/1024, report.MemPercent)
	fmt.Fprintf(out, "  disk:   %.1f GB free of %.1f GB\n",
		report.DiskFreeGB, report.DiskTotalGB)
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "  ⚠ %s\n", w)
	}

	fmt.Fprintln(out)
	if !ok {
		return fmt.Errorf("dependency check failed")
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}

// firstFreePort scans the status server's port range the way the daemon
// will at startup.
func firstFreePort(base, attempts int) (int, bool) {
	for port := base; port < base+attempts; port++ {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{
			IP: net.IPv4(127, 0, 0, 1), Port: port,
		})
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, true
	}
	return 0, false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
