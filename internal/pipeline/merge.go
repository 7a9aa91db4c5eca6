package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/lockfile"
)

// Merges into the base branch are serialized twice: a process-local gate
// for concurrent pipelines in one daemon, and a pid-stamped lock file for
// pipelines running as separate child processes.
var mergeGate = make(chan struct{}, 1)

const (
	mergeLockFile  = "merge.lock"
	mergeLockRetry = 2 * time.Second
)

// mergeStage merges the task branch back into the base branch. It runs in
// the main repository, never inside the worktree.
func (r *Runner) mergeStage() Stage {
	return Stage{
		Name:      StageMerge,
		DependsOn: []string{StageBuild, StageQA},
		Condition: func(sc *StageContext) bool { return phasedKind(sc.Kind) },
		Action:    r.runMerge,
	}
}

// mergeBestStage fast-forwards the branch the search kept. A search
// branch contains the base, so there is no conflict path here.
func (r *Runner) mergeBestStage() Stage {
	return Stage{
		Name:      StageMergeBest,
		DependsOn: []string{StageMCTSSearch},
		Action:    r.runMergeBest,
	}
}

func (r *Runner) runMerge(ctx context.Context, sc *StageContext) (Result, error) {
	release, err := r.acquireMergeGate(ctx, sc)
	if err != nil {
		return Result{}, err
	}
	defer release()

	err = r.merger.MergeBack(ctx, sc.SpecID)
	if err == nil {
		return r.finalizeMerge(sc, nil)
	}

	var dom *core.DomainError
	if !errors.As(err, &dom) || dom.Code != core.CodeMergeConflict {
		return Result{}, err
	}

	paths := conflictPaths(dom)
	sc.emit(core.EventTask, map[string]interface{}{
		"event": core.TaskEventMergeConflict,
		"paths": paths,
	})
	sc.Logger.Warn("merge conflict, invoking resolver", "paths", strings.Join(paths, ", "))

	if r.resolveConflicts(ctx, sc, paths) {
		return r.finalizeMerge(sc, paths)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Unresolvable: restore the pre-merge tree and park the task.
	if aerr := r.merger.AbortMerge(ctx); aerr != nil {
		sc.Logger.Error("aborting conflicted merge", "error", aerr)
	}
	if _, merr := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.RecordError("merge", "unresolved conflicts in: "+strings.Join(paths, ", "))
		p.SetStatus(core.StatusHumanReview, core.PhaseComplete)
		return nil
	}); merr != nil {
		return Result{}, merr
	}
	return Result{OK: false, Details: map[string]interface{}{"conflicts": paths}}, nil
}

func (r *Runner) runMergeBest(ctx context.Context, sc *StageContext) (Result, error) {
	release, err := r.acquireMergeGate(ctx, sc)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if err := r.merger.FastForward(ctx, sc.SpecID); err != nil {
		return Result{}, err
	}
	return r.finalizeMerge(sc, nil)
}

// acquireMergeGate takes both serialization levels and returns their
// combined release.
func (r *Runner) acquireMergeGate(ctx context.Context, sc *StageContext) (func(), error) {
	select {
	case mergeGate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lockPath := filepath.Join(sc.ProjectDir, core.PrivateDirName, mergeLockFile)
	lock, err := lockfile.Acquire(ctx, lockPath, mergeLockRetry)
	if err != nil {
		<-mergeGate
		return nil, err
	}
	return func() {
		if rerr := lock.Release(); rerr != nil {
			sc.Logger.Warn("releasing merge lock", "error", rerr)
		}
		<-mergeGate
	}, nil
}

func (r *Runner) finalizeMerge(sc *StageContext, resolved []string) (Result, error) {
	if _, err := sc.Plans.Mutate(sc.SpecID, func(p *core.Plan) error {
		p.SetStatus(core.StatusMerged, core.PhaseComplete)
		return nil
	}); err != nil {
		return Result{}, err
	}
	details := map[string]interface{}{"merged": true}
	if len(resolved) > 0 {
		details["resolvedConflicts"] = resolved
	}
	return Result{OK: true, Details: details}, nil
}

// resolveConflicts runs the merge resolver against the mid-merge main
// repository and tries to conclude the merge afterward.
func (r *Runner) resolveConflicts(ctx context.Context, sc *StageContext, paths []string) bool {
	def := r.registry.Resolve(core.AgentMergeResolver)
	branch := core.TaskBranchPrefix + string(sc.SpecID)

	turn, err := r.runAgent(ctx, sc, def, resolverPrompt(branch, paths, def), sc.ProjectDir)
	if err != nil {
		sc.Logger.Error("merge resolver session failed", "error", err)
		return false
	}
	if turn.End.Status == core.SessionError {
		sc.Logger.Warn("merge resolver reported an error", "detail", turn.End.ErrorText)
	}

	// The concluded merge is the artifact that counts, not the session
	// status.
	if err := r.merger.ConcludeMerge(ctx, sc.SpecID); err != nil {
		sc.Logger.Warn("merge still unresolved after resolver", "error", err)
		return false
	}
	return true
}

// conflictPaths pulls the conflicting files out of a merge-conflict error.
func conflictPaths(dom *core.DomainError) []string {
	raw, ok := dom.Details["paths"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
