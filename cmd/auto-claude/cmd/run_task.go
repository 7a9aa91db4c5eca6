package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/auto-claude/auto-claude/internal/adapters/agentcli"
	"github.com/auto-claude/auto-claude/internal/adapters/git"
	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/events"
	"github.com/auto-claude/auto-claude/internal/pipeline"
	"github.com/auto-claude/auto-claude/internal/plan"
	"github.com/auto-claude/auto-claude/internal/project"
	"github.com/auto-claude/auto-claude/internal/qa"
	"github.com/auto-claude/auto-claude/internal/registry"
	"github.com/auto-claude/auto-claude/internal/runstore"
	"github.com/auto-claude/auto-claude/internal/settings"
	"github.com/auto-claude/auto-claude/internal/specfactory"
	"github.com/auto-claude/auto-claude/internal/validators"
)

// run-task is the child half of the daemon: one pipeline for one admitted
// task. The daemon spawns it with the worktree already acquired and reads
// its stdout lines as heartbeats.
var runTaskCmd = &cobra.Command{
	Use:    "run-task",
	Short:  "Run one task's pipeline (spawned by the daemon)",
	Hidden: true,
	RunE:   runTask,
}

var (
	runTaskSpec       string
	runTaskWorkingDir string
)

func init() {
	rootCmd.AddCommand(runTaskCmd)

	runTaskCmd.Flags().StringVar(&runTaskSpec, "spec", "", "spec ID to run")
	runTaskCmd.Flags().StringVar(&runTaskWorkingDir, "working-dir", "",
		"acquired worktree (default: the project root, no isolation)")
	_ = runTaskCmd.MarkFlagRequired("spec")
}

func runTask(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	root, err := resolveProjectDir()
	if err != nil {
		return err
	}
	specID, err := core.ParseSpecID(runTaskSpec)
	if err != nil {
		return err
	}
	workingDir := runTaskWorkingDir
	if workingDir == "" {
		workingDir = root
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

	layout := project.NewLayout(root)
	plans, err := plan.NewStore(layout.SpecsDir())
	if err != nil {
		return err
	}
	reg, err := registry.LoadProject(layout.AgentsFile())
	if err != nil {
		return err
	}
	resolver := settings.NewResolver(cfg, reg)

	idx, err := project.LoadIndex(layout)
	if err != nil {
		return err
	}

	journal, err := events.Open(layout.SpecDir(specID))
	if err != nil {
		return err
	}
	defer journal.Close()

	var recorder core.RunRecorder
	if store, err := runstore.Open(layout.RunDBFile()); err != nil {
		logger.Warn("run history unavailable", "error", err)
	} else {
		recorder = store
		defer store.Close()
	}

	// Agent session stdout is consumed in-process; heartbeat lines on our
	// own stdout are what keep the supervisor's stuck detector quiet.
	launcher := agentcli.NewLauncher(cfg.Agents,
		agentcli.WithLogger(logger),
		agentcli.WithHeartbeat(func(t time.Time) {
			fmt.Printf("[%s] %s working\n", t.UTC().Format(time.RFC3339), specID)
		}),
	)

	merger, err := newMerger(cfg, layout, root, workingDir)
	if err != nil {
		return err
	}

	loop := qa.New(qa.Deps{
		Launcher: launcher,
		Plans:    plans,
		Registry: reg,
		Settings: resolver,
		Validators: []core.Validator{
			validators.NewBuild(cfg.Validators.Build, logger),
			validators.NewBrowser(cfg.Validators.Browser, logger),
			validators.NewAPI(logger),
			validators.NewDB(cfg.Validators.Database, logger),
		},
		Recorder: recorder,
		Logger:   logger,
	}, cfg)

	factory := specfactory.New(specfactory.Config{
		SpecsDir:      layout.SpecsDir(),
		Plans:         plans,
		MaxChildDepth: cfg.Daemon.MaxChildDepth,
		Logger:        logger,
	})

	runner := pipeline.NewRunner(pipeline.Deps{
		Launcher: launcher,
		Plans:    plans,
		Registry: reg,
		Settings: resolver,
		Merger:   merger,
		QA:       loop,
		Factory:  factory,
		Logger:   logger,
	}, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = runner.Run(ctx, pipeline.TaskRun{
		SpecID:     specID,
		WorkingDir: workingDir,
		SpecDir:    layout.SpecDir(specID),
		ProjectDir: root,
		SkipQA:     planSkipsQA(plans, specID),
		Events:     journal,
		Caps:       idx.Capabilities,
		Index:      idx,
	})
	if err != nil {
		if ctx.Err() != nil || core.IsCancelled(err) {
			return errInterrupted
		}
		return err
	}
	// Semantic failures (QA escalation, unresolved merge) are already on
	// the plan; a non-zero exit here would read as a crash upstream.
	return nil
}

// newMerger returns the worktree-backed merger when the task runs
// isolated. Without isolation the work landed on the base branch directly
// and the merge stage has nothing to move.
func newMerger(cfg *config.Config, layout project.Layout, root, workingDir string) (pipeline.Merger, error) {
	if workingDir == root {
		return directMerger{}, nil
	}
	client, err := git.NewClient(root)
	if err != nil {
		return nil, err
	}
	return git.NewWorktreeManager(client, layout.WorktreesDir(), git.WorktreeOptions{
		BranchPrefix:    cfg.Git.BranchPrefix,
		BaseBranch:      cfg.Git.BaseBranch,
		BusyRetryWindow: cfg.Git.BusyRetryWindow(),
	}), nil
}

// planSkipsQA reads the plan's skipQA marker. Absent or unreadable means
// the review loop runs.
func planSkipsQA(plans core.PlanStore, specID core.SpecID) bool {
	p, err := plans.Load(specID)
	if err != nil {
		return false
	}
	raw, ok := p.Extra["skipQA"]
	if !ok {
		return false
	}
	var skip bool
	if err := json.Unmarshal(raw, &skip); err != nil {
		return false
	}
	return skip
}

// directMerger is the merge stage's no-op counterpart for non-isolated
// runs: commits already sit on the base branch, so every step succeeds
// without touching git.
type directMerger struct{}

func (directMerger) MergeBack(context.Context, core.SpecID) error     { return nil }
func (directMerger) FastForward(context.Context, core.SpecID) error   { return nil }
func (directMerger) ConcludeMerge(context.Context, core.SpecID) error { return nil }
func (directMerger) AbortMerge(context.Context) error                 { return nil }
