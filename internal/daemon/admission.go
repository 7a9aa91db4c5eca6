package daemon

import (
	"context"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/project"
)

// admit fills free worker slots from the candidate list. It runs on every
// change event, rescan, task exit, and resume; a paused bus arms a single
// wake-up instead.
func (d *Daemon) admit(ctx context.Context) {
	if ctx.Err() != nil || d.deps.Bus.Stopped() {
		return
	}
	if d.deps.Bus.Paused() {
		d.armResumeWake(ctx)
		return
	}

	for {
		d.mu.Lock()
		if len(d.running) >= d.cfg.Daemon.MaxConcurrent {
			d.mu.Unlock()
			return
		}
		cands := d.index.candidates(d.runningIDs(), d.now(),
			d.cfg.Daemon.MaxRecovery, d.cfg.Daemon.MaxChildDepth, d.backoff)
		d.mu.Unlock()

		admitted := false
		for _, t := range cands {
			ok, err := d.startTask(ctx, t)
			if err != nil {
				d.logger.Warn("admission failed", "spec", string(t.SpecID), "error", err)
			}
			if ok {
				admitted = true
				break
			}
			if ctx.Err() != nil || d.deps.Bus.Stopped() {
				return
			}
		}
		if !admitted {
			return
		}
	}
}

// startTask admits one candidate: re-check the plan against disk, acquire
// the worktree, flip the status twin to in_progress, and spawn the pipeline
// child. Returns true only when a child is running and registered.
func (d *Daemon) startTask(ctx context.Context, t core.Task) (bool, error) {
	id := t.SpecID

	// The index may be stale; the plan on disk decides.
	p, err := d.deps.Plans.Load(id)
	if err != nil {
		d.mu.Lock()
		d.index.refresh(id)
		d.mu.Unlock()
		return false, err
	}
	if p.Status.IsCompleted() {
		// Completed outside the daemon while queued here.
		d.mu.Lock()
		d.index.markCompleted(id)
		d.index.refresh(id)
		d.mu.Unlock()
		return false, nil
	}
	if !p.Status.IsEligible() && p.Status != core.StatusInProgress {
		d.mu.Lock()
		d.index.refresh(id)
		d.mu.Unlock()
		return false, nil
	}

	specDir := d.layout.SpecDir(id)
	if err := project.CheckSpecDir(specDir); err != nil {
		// The spec-creation pipeline is still writing; wait for the rest.
		d.logger.Debug("spec dir incomplete", "spec", string(id), "error", err)
		return false, nil
	}

	workingDir := d.layout.Root()
	var wt *core.Worktree
	if d.cfg.Daemon.UseWorktrees {
		wt, err = d.deps.Worktrees.Acquire(ctx, id)
		if err != nil {
			return false, d.worktreeFailed(ctx, id, err)
		}
		workingDir = wt.Path
	}
	d.mu.Lock()
	delete(d.wtFails, id)
	delete(d.backoff, id)
	d.mu.Unlock()

	p, err = d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.SetStatus(core.StatusInProgress, core.PhaseCoding)
		if wt != nil {
			p.WorktreePath = wt.Path
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	child, err := d.deps.Spawn(ctx, ChildTask{
		SpecID:     id,
		SpecDir:    specDir,
		ProjectDir: d.layout.Root(),
		WorkingDir: workingDir,
	})
	if err != nil {
		// Put the task back; leaving it in_progress with no process would
		// orphan it until the stuck detector noticed.
		if _, rerr := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
			p.SetStatus(core.StatusQueue, core.PhaseBacklog)
			return nil
		}); rerr != nil {
			d.logger.Error("spawn rollback failed", "spec", string(id), "error", rerr)
		}
		return false, err
	}

	now := d.now()
	rt := &runningTask{
		task:       t,
		child:      child,
		worktree:   wt,
		startedAt:  now,
		lastStdout: now,
		status:     p.Status,
		phase:      p.ExecutionPhase,
		subtask:    p.CurrentSubtask(),
	}
	d.mu.Lock()
	d.running[id] = rt
	d.index.refresh(id)
	d.mu.Unlock()

	go d.supervise(id, rt)

	if err := d.deps.Recorder.RecordAdmission(ctx, id, t.Kind, t.Priority); err != nil {
		d.logger.Warn("admission not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskAdmitted()
	d.logger.Info("task admitted",
		"spec", string(id),
		"kind", string(t.Kind),
		"priority", int(t.Priority),
		"pid", child.PID(),
		"working_dir", workingDir)
	d.publishSnapshot()
	return true, nil
}

// supervise pumps the child's stdout into the heartbeat clock, then reaps
// the process and reports its exit. Runs as the only reader of the child.
func (d *Daemon) supervise(id core.SpecID, rt *runningTask) {
	for line := range rt.child.Stdout() {
		d.mu.Lock()
		rt.lastStdout = d.now()
		rt.hadBeat = true
		d.mu.Unlock()
		d.logger.Debug("task output", "spec", string(id), "line", truncateLine(line, 200))
	}
	err := rt.child.Wait()
	d.exits <- exitMsg{specID: id, err: err}
}

// worktreeFailed applies the acquisition failure policy: back the task off,
// and after the configured run of consecutive failures park it in error.
func (d *Daemon) worktreeFailed(ctx context.Context, id core.SpecID, cause error) error {
	d.mu.Lock()
	d.wtFails[id]++
	fails := d.wtFails[id]
	maxAttempts := d.cfg.Git.AcquireMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	exhausted := fails >= maxAttempts
	if !exhausted {
		d.backoff[id] = d.now().Add(d.cfg.Git.AcquireBackoff())
	} else {
		delete(d.wtFails, id)
		delete(d.backoff, id)
	}
	d.mu.Unlock()

	if !exhausted {
		d.logger.Warn("worktree acquisition failed, backing off",
			"spec", string(id), "attempt", fails, "error", cause)
		return nil
	}

	d.logger.Error("worktree acquisition failed repeatedly, task parked",
		"spec", string(id), "attempts", fails, "error", cause)
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		p.RecordError("worktree", cause.Error())
		p.SetStatus(core.StatusError, p.ExecutionPhase)
		return nil
	}); err != nil {
		d.logger.Error("error status not recorded", "spec", string(id), "error", err)
	}
	if err := d.deps.Recorder.RecordCompletion(ctx, id, core.StatusError, 0); err != nil {
		d.logger.Warn("completion not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskCompleted(core.StatusError)
	d.mu.Lock()
	d.index.refresh(id)
	d.mu.Unlock()
	return cause
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
