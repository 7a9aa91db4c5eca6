package daemon

import (
	"context"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// runningTask is the supervisor's record of one admitted child. The daemon
// mutex guards every field the supervise goroutine touches.
type runningTask struct {
	task      core.Task
	child     Child
	worktree  *core.Worktree
	startedAt time.Time

	lastStdout time.Time
	hadBeat    bool
	recovering bool
	requeued   bool
	draining   bool

	// recoveryCount is the persisted counter at the moment of the stuck
	// termination; the exit handler decides re-queue vs error from it.
	recoveryCount int

	// Display fields mirrored from the plan for the status snapshot.
	status  core.TaskStatus
	phase   core.ExecutionPhase
	subtask string
}

// info renders the snapshot entry. Callers hold the daemon mutex.
func (rt *runningTask) info() core.RunningTaskInfo {
	last := rt.lastStdout
	if last.IsZero() {
		last = rt.startedAt
	}
	return core.RunningTaskInfo{
		SpecDir:        rt.task.SpecDir,
		PID:            rt.child.PID(),
		Status:         string(rt.status),
		StartedAt:      rt.startedAt,
		LastUpdate:     last,
		IsRunning:      true,
		Kind:           rt.task.Kind,
		CurrentSubtask: rt.subtask,
		Phase:          string(rt.phase),
	}
}

// onExit settles one child's termination. The branch order matters: an
// operator re-queue or a stuck recovery owns the exit no matter what code
// the process died with.
func (d *Daemon) onExit(ctx context.Context, msg exitMsg) {
	d.mu.Lock()
	rt, ok := d.running[msg.specID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.running, msg.specID)
	recovering, requeued := rt.recovering, rt.requeued
	d.mu.Unlock()

	duration := d.now().Sub(rt.startedAt)
	switch {
	case requeued:
		d.finishRequeued(msg.specID)
	case recovering:
		d.finishRecovered(ctx, msg.specID, rt, duration)
	case msg.err == nil:
		d.finishSuccess(ctx, msg.specID, rt, duration)
	default:
		d.finishCrashed(ctx, msg.specID, rt, msg.err, duration)
	}

	d.publishSnapshot()
	d.admit(ctx)
}

// finishSuccess handles a zero exit: the pipeline ran to completion. The
// plan normally says human_review (QA gate) or a terminal status already;
// anything else is normalized so the board never shows a finished task as
// still in progress.
func (d *Daemon) finishSuccess(ctx context.Context, id core.SpecID, rt *runningTask, duration time.Duration) {
	final := core.StatusHumanReview
	p, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		if planRecoveryCount(p) != 0 {
			setPlanRecoveryCount(p, 0)
		}
		if !p.Status.IsTerminal() && p.Status != core.StatusHumanReview {
			p.SetStatus(core.StatusHumanReview, p.ExecutionPhase)
		}
		return nil
	})
	if err != nil {
		d.logger.Warn("plan not normalized after success", "spec", string(id), "error", err)
		p = nil
	} else {
		final = p.Status
	}

	d.mu.Lock()
	d.index.markCompleted(id)
	delete(d.freeCrash, id)
	delete(d.wtFails, id)
	delete(d.backoff, id)
	d.index.refresh(id)
	d.mu.Unlock()

	if err := d.deps.Recorder.RecordCompletion(ctx, id, final, duration); err != nil {
		d.logger.Warn("completion not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskCompleted(final)
	d.logger.Info("task finished",
		"spec", string(id), "status", string(final), "duration", duration.Round(time.Second).String())

	// Merged or otherwise terminal work no longer needs its working copy;
	// a human_review plan keeps it for the reviewer and the merge stage.
	if final.IsCompleted() {
		d.destroyWorktree(id, rt)
	}

	d.maybeAutoVerify(ctx, id, p)
}

// finishCrashed handles a non-zero exit. One crash before any heartbeat
// gets a free retry (startup flakes: missing binary warm-up, transient env).
// A crash whose plan nevertheless reads completed counts as completed; the
// rest park in error with the exit recorded.
func (d *Daemon) finishCrashed(ctx context.Context, id core.SpecID, rt *runningTask, exitErr error, duration time.Duration) {
	d.mu.Lock()
	free := !rt.hadBeat && !d.freeCrash[id]
	if free {
		d.freeCrash[id] = true
	}
	d.mu.Unlock()

	if free {
		d.logger.Warn("task crashed before first heartbeat, retrying once",
			"spec", string(id), "error", exitErr)
		d.requeuePlan(id)
		d.appendTaskEvent(id, map[string]interface{}{
			"event":  core.TaskEventRequeued,
			"reason": "crash_before_heartbeat",
		})
		d.destroyWorktree(id, rt)
		d.refreshSpec(id)
		return
	}

	if p, err := d.deps.Plans.Load(id); err == nil && p.Status.IsCompleted() {
		d.logger.Warn("child exited non-zero but the plan is complete",
			"spec", string(id), "status", string(p.Status), "error", exitErr)
		d.mu.Lock()
		d.index.markCompleted(id)
		d.index.refresh(id)
		d.mu.Unlock()
		if err := d.deps.Recorder.RecordCompletion(ctx, id, p.Status, duration); err != nil {
			d.logger.Warn("completion not recorded", "spec", string(id), "error", err)
		}
		d.deps.Metrics.TaskCompleted(p.Status)
		d.destroyWorktree(id, rt)
		return
	}

	d.logger.Error("task failed", "spec", string(id), "error", exitErr)
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.RecordError("exit", exitErr.Error())
		p.SetStatus(core.StatusError, p.ExecutionPhase)
		return nil
	}); err != nil {
		d.logger.Error("error status not recorded", "spec", string(id), "error", err)
	}
	if err := d.deps.Recorder.RecordCompletion(ctx, id, core.StatusError, duration); err != nil {
		d.logger.Warn("completion not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskCompleted(core.StatusError)
	// The worktree stays for post-mortem; re-queueing through the control
	// bus re-acquires it after validation.
	d.refreshSpec(id)
}

// finishRecovered settles a stuck task after its kill. Under the cap it
// goes back to the queue on a fresh worktree; at the cap it parks in error.
func (d *Daemon) finishRecovered(ctx context.Context, id core.SpecID, rt *runningTask, duration time.Duration) {
	d.destroyWorktree(id, rt)

	if rt.recoveryCount < d.cfg.Daemon.MaxRecovery {
		d.logger.Info("stuck task re-queued",
			"spec", string(id), "recovery", rt.recoveryCount)
		d.requeuePlan(id)
		d.refreshSpec(id)
		return
	}

	d.logger.Error("stuck task exhausted recovery attempts",
		"spec", string(id), "recovery", rt.recoveryCount)
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.RecordError("stuck", "no activity within "+d.cfg.Daemon.StuckTimeout().String())
		p.SetStatus(core.StatusError, p.ExecutionPhase)
		return nil
	}); err != nil {
		d.logger.Error("error status not recorded", "spec", string(id), "error", err)
	}
	if err := d.deps.Recorder.RecordCompletion(ctx, id, core.StatusError, duration); err != nil {
		d.logger.Warn("completion not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskCompleted(core.StatusError)
	d.refreshSpec(id)
}

// finishRequeued settles an operator-requested terminate-and-requeue. The
// recovery counter resets: the operator overrides the cap.
func (d *Daemon) finishRequeued(id core.SpecID) {
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.SetStatus(core.StatusQueue, core.PhaseBacklog)
		setPlanRecoveryCount(p, 0)
		return nil
	}); err != nil {
		d.logger.Warn("re-queue failed", "spec", string(id), "error", err)
	}
	d.appendTaskEvent(id, map[string]interface{}{
		"event":  core.TaskEventRequeued,
		"reason": "control",
	})
	d.logger.Info("task re-queued by operator", "spec", string(id))
	d.refreshSpec(id)
}

// finishDrained settles one child during shutdown: the plan returns to the
// queue (unless already terminal) so the next daemon run resumes it.
func (d *Daemon) finishDrained(id core.SpecID) {
	d.mu.Lock()
	_, ok := d.running[id]
	if ok {
		delete(d.running, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if p, err := d.deps.Plans.Load(id); err == nil && !p.Status.IsTerminal() {
		d.requeuePlan(id)
		d.appendTaskEvent(id, map[string]interface{}{
			"event":  core.TaskEventTerminated,
			"reason": "shutdown",
		})
	}
	d.logger.Info("task drained", "spec", string(id))
}

// onRequeue serves a control-bus re-queue: running tasks are terminated
// first (the exit handler re-queues them), idle ones go straight back to
// the queue with their recovery counter cleared.
func (d *Daemon) onRequeue(ctx context.Context, id core.SpecID) {
	d.mu.Lock()
	rt, isRunning := d.running[id]
	if isRunning {
		rt.requeued = true
	}
	d.mu.Unlock()

	if isRunning {
		d.logger.Info("terminating running task for re-queue", "spec", string(id))
		go func() { _ = rt.child.Terminate(d.cfg.Daemon.GraceTimeout()) }()
		return
	}

	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.SetStatus(core.StatusQueue, core.PhaseBacklog)
		setPlanRecoveryCount(p, 0)
		return nil
	}); err != nil {
		d.logger.Warn("re-queue failed", "spec", string(id), "error", err)
		return
	}
	d.appendTaskEvent(id, map[string]interface{}{
		"event":  core.TaskEventRequeued,
		"reason": "control",
	})
	d.logger.Info("task re-queued", "spec", string(id))
	d.refreshSpec(id)
	d.admit(ctx)
	d.publishSnapshot()
}

// requeuePlan returns a task to the queue without touching its counters.
func (d *Daemon) requeuePlan(id core.SpecID) {
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.SetStatus(core.StatusQueue, core.PhaseBacklog)
		return nil
	}); err != nil {
		d.logger.Warn("re-queue failed", "spec", string(id), "error", err)
	}
}

// refreshSpec re-indexes one task under the daemon mutex.
func (d *Daemon) refreshSpec(id core.SpecID) {
	d.mu.Lock()
	d.index.refresh(id)
	d.mu.Unlock()
}

// destroyWorktree removes a task's worktree, bounded so a wedged git
// process cannot hang the supervisor.
func (d *Daemon) destroyWorktree(id core.SpecID, rt *runningTask) {
	if rt == nil || rt.worktree == nil || d.deps.Worktrees == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Git.BusyRetryWindow()+30*time.Second)
	defer cancel()
	if err := d.deps.Worktrees.Destroy(ctx, id); err != nil {
		d.logger.Warn("worktree not destroyed", "spec", string(id), "error", err)
	}
}
