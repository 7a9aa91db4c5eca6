package pipeline

import (
	"context"
	"fmt"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/qa"
	"github.com/auto-claude/auto-claude/internal/registry"
	"github.com/auto-claude/auto-claude/internal/service"
	"github.com/auto-claude/auto-claude/internal/settings"
	"github.com/auto-claude/auto-claude/internal/specfactory"
)

// Built-in pipeline names.
const (
	PipelineDefault = "default"
	PipelineDesign  = "design"
	PipelineQAOnly  = "qa_only"
	PipelineMCTS    = "mcts"
)

// Built-in stage names.
const (
	StageBuild      = "build"
	StageQA         = "qa"
	StageMerge      = "merge"
	StageDecompose  = "decompose"
	StageMCTSSearch = "mcts_search"
	StageMergeBest  = "merge_best"
)

// PipelineForKind maps a task kind to its built-in pipeline.
func PipelineForKind(kind core.TaskKind) string {
	switch {
	case kind.IsDecomposing():
		return PipelineDesign
	case kind == core.KindMCTS:
		return PipelineMCTS
	default:
		return PipelineDefault
	}
}

// phasedKind reports whether tasks of this kind carry a phased plan whose
// subtasks the coding loop drives to completion. The remaining kinds run a
// single agent turn and leave no commits behind.
func phasedKind(kind core.TaskKind) bool {
	switch kind {
	case core.KindDesign, core.KindArchitecture, core.KindResearch,
		core.KindReview, core.KindPlanning, core.KindVerify:
		return false
	default:
		return true
	}
}

// Merger is the slice of worktree management the merge stages use.
// *git.WorktreeManager implements it.
type Merger interface {
	MergeBack(ctx context.Context, specID core.SpecID) error
	FastForward(ctx context.Context, specID core.SpecID) error
	ConcludeMerge(ctx context.Context, specID core.SpecID) error
	AbortMerge(ctx context.Context) error
}

// QARunner runs the review loop for one task. *qa.Loop implements it.
type QARunner interface {
	Run(ctx context.Context, lc qa.LoopContext) (qa.Outcome, error)
}

// ChildSpecCreator registers decomposition batches as child specs.
// *specfactory.Factory implements it.
type ChildSpecCreator interface {
	CreateBatch(ctx context.Context, parent core.SpecID, entries []specfactory.Entry) ([]core.SpecID, error)
}

// Deps are the collaborators the built-in stage actions need.
type Deps struct {
	Launcher core.SessionLauncher
	Plans    core.PlanStore
	Registry *registry.Registry
	Settings *settings.Resolver
	Merger   Merger
	QA       QARunner
	Factory  ChildSpecCreator
	Logger   *logging.Logger
}

// Runner assembles and executes the built-in pipelines for tasks.
type Runner struct {
	engine   *Engine
	launcher core.SessionLauncher
	plans    core.PlanStore
	registry *registry.Registry
	settings *settings.Resolver
	merger   Merger
	qa       QARunner
	factory  ChildSpecCreator
	mcpOpts  registry.ResolveOptions
	logger   *logging.Logger
}

// NewRunner builds a pipeline runner from its collaborators and the loaded
// config.
func NewRunner(deps Deps, cfg *config.Config) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		engine:   NewEngine(logger),
		launcher: deps.Launcher,
		plans:    deps.Plans,
		registry: deps.Registry,
		settings: deps.Settings,
		merger:   deps.Merger,
		qa:       deps.QA,
		factory:  deps.Factory,
		mcpOpts:  registry.ResolveOptions{MarionetteDisabled: cfg.Validators.Flutter.MarionetteDisabled},
		logger:   logger,
	}
}

// Stages returns the stage list of a built-in pipeline.
func (r *Runner) Stages(name string) ([]Stage, error) {
	switch name {
	case PipelineDefault:
		return []Stage{r.buildStage(), r.qaStage(), r.mergeStage()}, nil
	case PipelineDesign:
		return []Stage{r.decomposeStage()}, nil
	case PipelineQAOnly:
		qaOnly := r.qaStage()
		// An explicit QA request reviews regardless of kind or skip flag.
		qaOnly.DependsOn = nil
		qaOnly.Condition = nil
		return []Stage{qaOnly}, nil
	case PipelineMCTS:
		return []Stage{r.mctsSearchStage(), r.mergeBestStage()}, nil
	default:
		return nil, core.ErrConfig(core.CodeInvalidConfig, fmt.Sprintf("unknown pipeline %q", name))
	}
}

// TaskRun scopes one pipeline execution to an admitted task and its
// acquired worktree.
type TaskRun struct {
	SpecID     core.SpecID
	WorkingDir string
	SpecDir    string
	ProjectDir string
	// Pipeline overrides the kind-derived selection; empty picks by kind.
	Pipeline string
	SkipQA   bool
	Events   core.EventLog
	Caps     core.Capabilities
	Index    *core.ProjectIndex
}

// Run executes the task's pipeline. Infrastructure failures are recorded
// on the plan as an error status before returning; cancellation leaves the
// plan untouched so the daemon's recovery path can re-queue the task.
func (r *Runner) Run(ctx context.Context, tr TaskRun) (RunResult, error) {
	plan, err := r.plans.Load(tr.SpecID)
	if err != nil {
		return RunResult{}, err
	}

	name := tr.Pipeline
	if name == "" {
		name = PipelineForKind(plan.Kind)
	}
	stages, err := r.Stages(name)
	if err != nil {
		return RunResult{}, err
	}

	sc := &StageContext{
		SpecID:     tr.SpecID,
		Kind:       plan.Kind,
		WorkingDir: tr.WorkingDir,
		SpecDir:    tr.SpecDir,
		ProjectDir: tr.ProjectDir,
		SkipQA:     tr.SkipQA,
		Plans:      r.plans,
		Events:     tr.Events,
		Caps:       tr.Caps,
		Index:      tr.Index,
		Settings:   r.settings,
		Logger:     r.logger.WithSpec(string(tr.SpecID)),
	}

	r.logger.WithSpec(string(tr.SpecID)).Info("pipeline starting",
		"pipeline", name, "kind", string(plan.Kind))

	out, err := r.engine.Run(ctx, stages, sc)
	if err != nil {
		if !core.IsCancelled(err) && ctx.Err() == nil {
			if _, merr := r.plans.Mutate(tr.SpecID, func(p *core.Plan) error {
				p.RecordError("pipeline", err.Error())
				p.SetStatus(core.StatusError, p.ExecutionPhase)
				return nil
			}); merr != nil {
				r.logger.Error("recording pipeline failure", "spec", string(tr.SpecID), "error", merr)
			}
		}
		return out, err
	}

	if out.OK {
		// Pipelines without a merge stage leave the task in_progress;
		// close it out here. Stages that already advanced the status
		// (merged, human_review) win.
		if _, merr := r.plans.Mutate(tr.SpecID, func(p *core.Plan) error {
			if p.Status == core.StatusInProgress {
				p.SetStatus(core.StatusDone, core.PhaseComplete)
			}
			return nil
		}); merr != nil {
			return out, merr
		}
	}
	return out, nil
}

// runAgent launches one agent turn with resolved settings and records the
// session boundary events. workingDir varies by stage: worktree for build
// and search, main repository for merge resolution.
func (r *Runner) runAgent(ctx context.Context, sc *StageContext, def core.AgentDefinition, prompt, workingDir string) (service.TurnResult, error) {
	resolved := sc.Resolve(def.Name)
	spec := core.SessionSpec{
		Agent:          def,
		Prompt:         prompt,
		WorkingDir:     workingDir,
		SpecDir:        sc.SpecDir,
		Model:          resolved.Model,
		Thinking:       resolved.Thinking,
		PermissionMode: resolved.PermissionMode,
		Capabilities:   registry.BuildCapabilities(def, sc.Caps, r.mcpOpts),
	}

	sc.emit(core.EventSessionStart, map[string]interface{}{"agent": def.Name})
	turn, err := service.RunTurn(ctx, r.launcher, spec, sc.Logger.WithAgent(def.Name))
	end := map[string]interface{}{"agent": def.Name}
	if err != nil {
		end["status"] = string(core.SessionError)
		end["error"] = err.Error()
	} else {
		end["status"] = string(turn.End.Status)
		if turn.End.TokensIn > 0 || turn.End.TokensOut > 0 {
			end["tokensIn"] = turn.End.TokensIn
			end["tokensOut"] = turn.End.TokensOut
		}
	}
	sc.emit(core.EventSessionEnd, end)
	return turn, err
}

// qaStage delegates to the review loop. The loop owns its own terminal
// plan transitions; the stage result just mirrors the verdict.
func (r *Runner) qaStage() Stage {
	return Stage{
		Name:      StageQA,
		DependsOn: []string{StageBuild},
		Condition: func(sc *StageContext) bool {
			return !sc.SkipQA && phasedKind(sc.Kind)
		},
		Action: r.runQA,
	}
}

func (r *Runner) runQA(ctx context.Context, sc *StageContext) (Result, error) {
	out, err := r.qa.Run(ctx, qa.LoopContext{
		SpecID:     sc.SpecID,
		WorkingDir: sc.WorkingDir,
		SpecDir:    sc.SpecDir,
		ProjectDir: sc.ProjectDir,
		Caps:       sc.Caps,
		Index:      sc.Index,
		Events:     sc.Events,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{OK: out.Approved, Details: map[string]interface{}{
		"iterations": out.Iterations,
		"signoff":    string(out.Signoff),
	}}, nil
}
