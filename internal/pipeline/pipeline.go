// Package pipeline executes a task's stage DAG: topological ordering,
// level-parallel execution, condition gating, and bounded retry of
// transiently failing stages. Stage actions own the plan transitions;
// the engine only schedules them and journals their lifecycle.
package pipeline

import (
	"context"
	"sync"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/settings"
)

// Result is a stage's structured outcome. OK false is a semantic failure:
// the action has already recorded the escalation on the plan, and the
// engine stops scheduling dependents without treating it as an error.
type Result struct {
	OK      bool
	Details map[string]interface{}
}

// RetrySpec bounds re-runs of a stage whose action fails transiently.
// Max counts total attempts; zero or one means a single attempt.
type RetrySpec struct {
	Max       int
	BackoffMs int
}

// Stage is one node of a task pipeline. Stages naming the same non-empty
// ParallelGroup run concurrently when the dependency order allows it;
// everything else runs sequentially in declaration order.
type Stage struct {
	Name          string
	DependsOn     []string
	Condition     func(*StageContext) bool
	ParallelGroup string
	Retry         RetrySpec
	Action        func(context.Context, *StageContext) (Result, error)
}

// StageContext carries the task-scoped collaborators every stage action
// shares. WorkingDir is the task's worktree; ProjectDir is the main
// repository the merge stages operate against.
type StageContext struct {
	SpecID     core.SpecID
	Kind       core.TaskKind
	WorkingDir string
	SpecDir    string
	ProjectDir string
	SkipQA     bool

	Plans    core.PlanStore
	Events   core.EventLog
	Caps     core.Capabilities
	Index    *core.ProjectIndex
	Settings *settings.Resolver
	Logger   *logging.Logger

	mu      sync.Mutex
	results map[string]Result
}

// Resolve returns the model/thinking/permission triple for an agent launch
// scoped to this task's spec dir.
func (sc *StageContext) Resolve(agentName string) settings.Resolved {
	return sc.Settings.Resolve(agentName, sc.SpecDir)
}

// StageResult returns the recorded result of an already-executed stage.
func (sc *StageContext) StageResult(name string) (Result, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	r, ok := sc.results[name]
	return r, ok
}

func (sc *StageContext) setResult(name string, r Result) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.results == nil {
		sc.results = make(map[string]Result)
	}
	sc.results[name] = r
}

// emit appends to the task's event log; journal failures never interrupt
// a stage.
func (sc *StageContext) emit(kind core.EventKind, payload map[string]interface{}) {
	if sc.Events == nil {
		return
	}
	if _, err := sc.Events.Append(kind, payload); err != nil && sc.Logger != nil {
		sc.Logger.Warn("event append failed", "kind", string(kind), "error", err)
	}
}

// RunResult summarizes one pipeline run. FailedStage names the stage that
// stopped the run, for both semantic failures and errors.
type RunResult struct {
	OK          bool
	FailedStage string
	Completed   []string
	Skipped     []string
	Results     map[string]Result
}
