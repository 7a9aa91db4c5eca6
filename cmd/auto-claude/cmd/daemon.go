package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/auto-claude/auto-claude/internal/adapters/git"
	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/daemon"
	"github.com/auto-claude/auto-claude/internal/events"
	"github.com/auto-claude/auto-claude/internal/plan"
	"github.com/auto-claude/auto-claude/internal/project"
	"github.com/auto-claude/auto-claude/internal/registry"
	"github.com/auto-claude/auto-claude/internal/runstore"
	"github.com/auto-claude/auto-claude/internal/specfactory"
	"github.com/auto-claude/auto-claude/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the task supervisor",
	Long: `Start the task daemon for one project. The daemon watches the specs
directory, admits queued tasks in dependency and priority order, and
supervises each task's pipeline as a child process until stopped.

Examples:
  # Supervise the current directory, one task at a time
  auto-claude daemon

  # Three parallel tasks, each in its own git worktree
  auto-claude daemon --project-dir ~/src/app --max-concurrent 3 --use-worktrees`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().Int("max-concurrent", 1, "worker pool size")
	daemonCmd.Flags().Bool("use-worktrees", false, "isolate each task in a git worktree")
	daemonCmd.Flags().String("status-file", "", "status file path (default: {project}/.auto-claude/daemon_status.json)")
	daemonCmd.Flags().Int("stuck-timeout", 600, "seconds without activity before a task counts as stuck")
	daemonCmd.Flags().Int("rescan-interval", 60, "seconds between full specs-directory rescans")
	daemonCmd.Flags().Int("max-recovery", 3, "stuck/crash recoveries per task before it parks at error")
	daemonCmd.Flags().Int("max-child-depth", 2, "decomposition depth cap for design tasks")

	_ = viper.BindPFlag("daemon.max_concurrent", daemonCmd.Flags().Lookup("max-concurrent"))
	_ = viper.BindPFlag("daemon.use_worktrees", daemonCmd.Flags().Lookup("use-worktrees"))
	_ = viper.BindPFlag("daemon.status_file", daemonCmd.Flags().Lookup("status-file"))
	_ = viper.BindPFlag("daemon.stuck_timeout", daemonCmd.Flags().Lookup("stuck-timeout"))
	_ = viper.BindPFlag("daemon.rescan_interval", daemonCmd.Flags().Lookup("rescan-interval"))
	_ = viper.BindPFlag("daemon.max_recovery", daemonCmd.Flags().Lookup("max-recovery"))
	_ = viper.BindPFlag("daemon.max_child_depth", daemonCmd.Flags().Lookup("max-child-depth"))
}

func runDaemon(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	root, err := resolveProjectDir()
	if err != nil {
		return err
	}

	loader := config.NewLoaderWithViper(viper.GetViper()).WithProjectDir(root)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return core.ErrConfig(core.CodeInvalidConfig, err.Error()).WithCause(err)
	}
	cfg.Daemon.ProjectDir = root
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	layout := project.NewLayout(root)
	if !layout.Initialized() {
		return core.ErrProjectState(core.CodeProjectNotInitialized,
			"no specs directory at "+layout.SpecsDir())
	}
	if err := layout.EnsurePrivateDirs(); err != nil {
		return core.ErrConfig(core.CodeInvalidConfig, err.Error()).WithCause(err)
	}

	plans, err := plan.NewStore(layout.SpecsDir())
	if err != nil {
		return err
	}

	reg, err := registry.LoadProject(layout.AgentsFile())
	if err != nil {
		return err
	}
	logger.Info("agent registry loaded", "agents", len(reg.All()))

	// Run history is an observability surface; losing it degrades
	// `status --history`, never the daemon.
	var recorder core.RunRecorder
	if store, err := runstore.Open(layout.RunDBFile()); err != nil {
		logger.Warn("run history unavailable", "error", err)
	} else {
		recorder = store
		defer store.Close()
	}

	bus := control.NewBus()
	metrics := status.NewMetrics()

	statusPath := cfg.Daemon.StatusFile
	if statusPath == "" {
		statusPath = layout.StatusFile()
	}
	bridge, err := status.New(status.Config{
		Path:    statusPath,
		Status:  cfg.Status,
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	factory := specfactory.New(specfactory.Config{
		SpecsDir:      layout.SpecsDir(),
		Plans:         plans,
		MaxChildDepth: cfg.Daemon.MaxChildDepth,
		Logger:        logger,
	})

	var worktrees core.WorktreeManager
	if cfg.Daemon.UseWorktrees {
		client, err := git.NewClient(root)
		if err != nil {
			return err
		}
		worktrees = git.NewWorktreeManager(client, layout.WorktreesDir(), git.WorktreeOptions{
			BranchPrefix:    cfg.Git.BranchPrefix,
			BaseBranch:      cfg.Git.BaseBranch,
			BusyRetryWindow: cfg.Git.BusyRetryWindow(),
		})
	}

	d, err := daemon.New(cfg, daemon.Deps{
		Plans:     plans,
		Worktrees: worktrees,
		Status:    bridge,
		Recorder:  recorder,
		Logs:      events.Opener{},
		Factory:   factory,
		Bus:       bus,
		Metrics:   metrics,
		Notify:    events.NewBus(64),
		Logger:    logger,
		Spawn:     daemon.NewExecSpawner("", nil),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}
