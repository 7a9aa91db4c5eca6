package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
)

func TestCleanExitNormalizesToHumanReview(t *testing.T) {
	f := newFixture(t)
	f.seed("001-impl")
	f.rescan()
	f.admit()

	f.spawner.child("001-impl").exit(nil)
	f.settle()

	p := f.mustLoad("001-impl")
	if p.Status != core.StatusHumanReview {
		t.Errorf("status = %s, want human_review", p.Status)
	}
	if len(f.rec.Admissions) != 1 || len(f.rec.Completions) != 1 {
		t.Errorf("recorded admissions = %v completions = %v", f.rec.Admissions, f.rec.Completions)
	}
}

func TestCleanExitKeepsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	f.seed("001-impl")
	f.rescan()
	f.admit()

	// The pipeline merged its own work before exiting.
	if _, err := f.store.Mutate("001-impl", func(p *core.Plan) error {
		p.SetStatus(core.StatusMerged, core.PhaseComplete)
		return nil
	}); err != nil {
		t.Fatalf("merging plan: %v", err)
	}
	f.spawner.child("001-impl").exit(nil)
	f.settle()

	if p := f.mustLoad("001-impl"); p.Status != core.StatusMerged {
		t.Errorf("status = %s, want merged preserved", p.Status)
	}
	if got := f.pub.last().Stats.Completed; got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}

func TestCrashBeforeHeartbeatGetsOneRetry(t *testing.T) {
	f := newFixture(t)
	f.seed("001-flaky")
	f.rescan()
	f.admit()

	f.spawner.child("001-flaky").exit(errors.New("exit status 1"))
	f.settle()

	// First crash with no output at all: back to the queue and re-admitted.
	if got := f.spawner.spawned(); len(got) != 2 {
		t.Fatalf("admissions = %v, want an automatic retry", got)
	}
	if events := f.taskEvents("001-flaky"); len(events) != 1 || events[0] != core.TaskEventRequeued {
		t.Fatalf("task events = %v, want [%s]", events, core.TaskEventRequeued)
	}

	f.spawner.child("001-flaky").exit(errors.New("exit status 1"))
	f.settle()

	p := f.mustLoad("001-flaky")
	if p.Status != core.StatusError {
		t.Fatalf("status = %s, want error after the second crash", p.Status)
	}
	if len(p.Errors) == 0 || p.Errors[0].Kind != "exit" {
		t.Errorf("recorded errors = %+v", p.Errors)
	}
	if got := f.spawner.spawned(); len(got) != 2 {
		t.Errorf("admissions = %v, want no third attempt", got)
	}
}

func TestCrashAfterHeartbeatParksInError(t *testing.T) {
	f := newFixture(t)
	f.seed("001-task")
	f.rescan()
	f.admit()

	child := f.spawner.child("001-task")
	child.emit("compiling")
	f.waitBeat("001-task")
	child.exit(errors.New("exit status 2"))
	f.settle()

	if p := f.mustLoad("001-task"); p.Status != core.StatusError {
		t.Fatalf("status = %s, want error", p.Status)
	}
	if got := f.spawner.spawned(); len(got) != 1 {
		t.Errorf("admissions = %v, want no free retry after a heartbeat", got)
	}
}

func TestCrashWithCompletePlanCountsAsFinished(t *testing.T) {
	f := newFixture(t)
	f.seed("001-task")
	f.rescan()
	f.admit()

	child := f.spawner.child("001-task")
	child.emit("working")
	f.waitBeat("001-task")

	// The pipeline finished the task, then its process died on teardown.
	if _, err := f.store.Mutate("001-task", func(p *core.Plan) error {
		p.SetStatus(core.StatusDone, core.PhaseComplete)
		return nil
	}); err != nil {
		t.Fatalf("completing plan: %v", err)
	}
	child.exit(errors.New("exit status 1"))
	f.settle()

	p := f.mustLoad("001-task")
	if p.Status != core.StatusDone {
		t.Fatalf("status = %s, want done preserved", p.Status)
	}
	if len(p.Errors) != 0 {
		t.Errorf("errors = %+v, want none", p.Errors)
	}
	if got := f.pub.last().Stats.Completed; got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}

func TestOperatorRequeueOfRunningTask(t *testing.T) {
	f := newFixture(t)
	f.seed("001-task", func(p *core.Plan) { setPlanRecoveryCount(p, 2) })
	f.rescan()
	f.admit()

	first := f.spawner.child("001-task")
	f.d.onRequeue(context.Background(), "001-task")
	f.settle()

	if first.terminations() == 0 {
		t.Error("running child was not terminated")
	}
	// The plan passed back through the queue with its recovery budget
	// restored, and the freed slot picked it straight up again.
	if got := f.spawner.spawned(); len(got) != 2 {
		t.Fatalf("admissions = %v, want re-admission after the requeue", got)
	}
	p := f.mustLoad("001-task")
	if got := planRecoveryCount(p); got != 0 {
		t.Errorf("recovery count = %d, want 0", got)
	}
	if events := f.taskEvents("001-task"); len(events) != 1 || events[0] != core.TaskEventRequeued {
		t.Errorf("task events = %v, want [%s]", events, core.TaskEventRequeued)
	}
}

func TestOperatorRequeueOfParkedTask(t *testing.T) {
	f := newFixture(t)
	f.seed("001-parked", func(p *core.Plan) {
		p.SetStatus(core.StatusError, core.PhaseCoding)
		p.RecordError("exit", "exit status 1")
		setPlanRecoveryCount(p, 3)
	})
	f.rescan()
	f.admit()
	if got := f.runningIDs(); len(got) != 0 {
		t.Fatalf("running = %v, want none for an errored task", got)
	}

	f.d.onRequeue(context.Background(), "001-parked")

	if got := f.runningIDs(); len(got) != 1 || got[0] != "001-parked" {
		t.Fatalf("running = %v, want [001-parked]", got)
	}
	p := f.mustLoad("001-parked")
	if p.Status != core.StatusInProgress {
		t.Errorf("status = %s, want in_progress", p.Status)
	}
	if got := planRecoveryCount(p); got != 0 {
		t.Errorf("recovery count = %d, want 0", got)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Daemon.UseWorktrees = true })
	f.seed("001-review", func(p *core.Plan) { p.CreatedAt = "2026-01-01T10:00:00Z" })
	f.seed("002-merged", func(p *core.Plan) { p.CreatedAt = "2026-01-02T10:00:00Z" })
	f.rescan()
	f.admit()

	wantDir := filepath.Join(f.layout.WorktreesDir(), "001-review")
	if got := f.spawner.task("001-review").WorkingDir; got != wantDir {
		t.Errorf("working dir = %s, want %s", got, wantDir)
	}
	if p := f.mustLoad("001-review"); p.WorktreePath != wantDir {
		t.Errorf("worktree path = %s, want %s", p.WorktreePath, wantDir)
	}

	// A human_review exit keeps the worktree around for the reviewer.
	f.spawner.child("001-review").exit(nil)
	f.settle()
	if got := f.wt.destroyedIDs(); len(got) != 0 {
		t.Fatalf("destroyed = %v, want none while under review", got)
	}

	// A terminal exit releases it.
	if _, err := f.store.Mutate("002-merged", func(p *core.Plan) error {
		p.SetStatus(core.StatusMerged, core.PhaseComplete)
		return nil
	}); err != nil {
		t.Fatalf("merging plan: %v", err)
	}
	f.spawner.child("002-merged").exit(nil)
	f.settle()
	if got := f.wt.destroyedIDs(); len(got) != 1 || got[0] != "002-merged" {
		t.Fatalf("destroyed = %v, want [002-merged]", got)
	}
}

func TestWorktreeAcquireBackoffThenError(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Daemon.UseWorktrees = true })
	f.wt.failures = 3
	f.seed("001-task")
	f.rescan()

	f.admit()
	if got := f.wt.acquireCalls(); got != 1 {
		t.Fatalf("acquire calls = %d, want 1", got)
	}
	// Backed off: an immediate retry does not touch git at all.
	f.admit()
	if got := f.wt.acquireCalls(); got != 1 {
		t.Fatalf("acquire calls = %d, want still 1 during the backoff", got)
	}

	f.clock.Advance(61 * time.Second)
	f.admit()
	if got := f.wt.acquireCalls(); got != 2 {
		t.Fatalf("acquire calls = %d, want 2", got)
	}

	f.clock.Advance(61 * time.Second)
	f.admit()
	if got := f.wt.acquireCalls(); got != 3 {
		t.Fatalf("acquire calls = %d, want 3", got)
	}

	p := f.mustLoad("001-task")
	if p.Status != core.StatusError {
		t.Fatalf("status = %s, want error after repeated acquire failures", p.Status)
	}
	if len(p.Errors) == 0 || p.Errors[0].Kind != "worktree" {
		t.Errorf("recorded errors = %+v", p.Errors)
	}
	if got := f.runningIDs(); len(got) != 0 {
		t.Errorf("running = %v, want none", got)
	}
}
