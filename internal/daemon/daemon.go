// Package daemon is the task supervisor: it discovers eligible tasks under
// the specs directory, admits them into bounded worker slots as supervised
// child processes, watches their heartbeats, recovers the stuck ones, and
// synthesizes follow-up verify tasks. One daemon runs per project, enforced
// by a liveness-checked pid lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/events"
	"github.com/auto-claude/auto-claude/internal/lockfile"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/project"
	"github.com/auto-claude/auto-claude/internal/specfactory"
	"github.com/auto-claude/auto-claude/internal/status"
)

// Deps wires the daemon's collaborators. Plans and Spawn are required;
// Worktrees only when worktree isolation is on. Everything else defaults to
// a working no-op so tests can assemble small daemons.
type Deps struct {
	Plans     core.PlanStore
	Worktrees core.WorktreeManager
	Status    core.StatusPublisher
	Recorder  core.RunRecorder
	Logs      core.EventLogOpener
	Factory   *specfactory.Factory
	Bus       *control.Bus
	Metrics   *status.Metrics
	Notify    *events.Bus
	Logger    *logging.Logger
	Spawn     SpawnFunc
}

// exitMsg reports one child's termination to the supervisor loop.
type exitMsg struct {
	specID core.SpecID
	err    error
}

// Daemon supervises one project's task execution.
type Daemon struct {
	cfg    *config.Config
	layout project.Layout
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
	pid    int

	// mu guards the index, the running set, and the admission bookkeeping.
	mu          sync.Mutex
	index       *taskIndex
	running     map[core.SpecID]*runningTask
	wtFails     map[core.SpecID]int
	backoff     map[core.SpecID]time.Time
	freeCrash   map[core.SpecID]bool
	resumeArmed bool

	startedAt time.Time
	exits     chan exitMsg
	wake      chan struct{}
}

// New assembles a daemon. The project dir comes from cfg.Daemon.ProjectDir.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if cfg == nil {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "daemon needs a configuration")
	}
	if deps.Plans == nil {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "daemon needs a plan store")
	}
	if deps.Spawn == nil {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "daemon needs a spawn function")
	}
	if cfg.Daemon.UseWorktrees && deps.Worktrees == nil {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "worktree isolation is on but no worktree manager was provided")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = control.NewBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = status.NewMetrics()
	}
	if deps.Status == nil {
		deps.Status = nopPublisher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logs == nil {
		deps.Logs = events.Opener{}
	}

	layout := project.NewLayout(cfg.Daemon.ProjectDir)
	logger := deps.Logger.WithComponent("daemon")
	return &Daemon{
		cfg:       cfg,
		layout:    layout,
		deps:      deps,
		logger:    logger,
		now:       time.Now,
		pid:       os.Getpid(),
		index:     newTaskIndex(layout.SpecsDir(), deps.Plans, logger),
		running:   make(map[core.SpecID]*runningTask),
		wtFails:   make(map[core.SpecID]int),
		backoff:   make(map[core.SpecID]time.Time),
		freeCrash: make(map[core.SpecID]bool),
		exits:     make(chan exitMsg, 16),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Run supervises until the context is cancelled or the control bus stops
// it. A clean stop returns nil after the drain.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.layout.Initialized() {
		return core.ErrProjectState(core.CodeProjectNotInitialized,
			"no specs directory at "+d.layout.SpecsDir())
	}

	lock, err := lockfile.TryAcquire(d.layout.LockFile())
	if err != nil {
		var held *lockfile.ErrHeld
		if errors.As(err, &held) {
			return core.ErrProjectState(core.CodeAlreadyRunning,
				fmt.Sprintf("another daemon (pid %d) holds %s", held.PID, held.Path)).
				WithDetail("pid", held.PID)
		}
		return core.ErrProjectState(core.CodeLockAcquireFailed, err.Error()).WithCause(err)
	}
	defer lock.Release()

	d.startedAt = d.now()
	d.logger.Info("daemon started",
		"project", d.layout.Root(),
		"pid", d.pid,
		"max_concurrent", d.cfg.Daemon.MaxConcurrent,
		"worktrees", d.cfg.Daemon.UseWorktrees)

	// Plans written by older tooling or interrupted decompositions are
	// repaired before the first scan so they load for admission.
	if d.deps.Factory != nil {
		if n, err := d.deps.Factory.RepairAll(); err != nil {
			d.logger.Warn("spec repair failed", "error", err)
		} else if n > 0 {
			d.logger.Info("specs repaired at startup", "count", n)
		}
	}

	d.mu.Lock()
	err = d.index.rebuild()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	// Losing the watcher degrades discovery to the periodic rescan; the
	// nil channels below simply never fire.
	var changes <-chan core.SpecID
	var scans <-chan struct{}
	watcher, err := newSpecWatcher(d.layout.SpecsDir(), d.cfg.Daemon.DebounceWindow(), d.logger)
	if err != nil {
		d.logger.Warn("filesystem watcher unavailable, relying on rescans", "error", err)
	} else {
		changes = watcher.Changes()
		scans = watcher.Scans()
		defer watcher.Close()
	}

	rescanEvery := d.cfg.Daemon.RescanInterval()
	if rescanEvery <= 0 {
		rescanEvery = time.Minute
	}
	beatEvery := d.cfg.Daemon.HeartbeatInterval()
	if beatEvery <= 0 {
		beatEvery = 30 * time.Second
	}
	rescan := time.NewTicker(rescanEvery)
	defer rescan.Stop()
	heartbeat := time.NewTicker(beatEvery)
	defer heartbeat.Stop()

	d.publishSnapshot()
	d.admit(ctx)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.deps.Bus.StopCh():
			return d.shutdown()
		case id := <-changes:
			d.onSpecChange(ctx, id)
		case <-scans:
			d.rescanAll(ctx)
		case <-rescan.C:
			d.rescanAll(ctx)
		case <-heartbeat.C:
			d.checkStuck(ctx)
			d.publishSnapshot()
		case id := <-d.deps.Bus.RequeueCh():
			d.onRequeue(ctx, id)
		case msg := <-d.exits:
			d.onExit(ctx, msg)
		case <-d.wake:
			d.admit(ctx)
		}
	}
}

// rescanAll rebuilds the index from disk and reconsiders admissions.
func (d *Daemon) rescanAll(ctx context.Context) {
	d.mu.Lock()
	err := d.index.rebuild()
	d.mu.Unlock()
	if err != nil {
		d.logger.Warn("rescan failed", "error", err)
		return
	}
	d.admit(ctx)
	d.publishSnapshot()
}

// onSpecChange handles one debounced plan-file change. For a running task
// only the display fields move; the plan write itself already counted as a
// heartbeat. Anything else is re-indexed and may become admissible.
func (d *Daemon) onSpecChange(ctx context.Context, id core.SpecID) {
	d.mu.Lock()
	rt, isRunning := d.running[id]
	d.mu.Unlock()

	if isRunning {
		if p, err := d.deps.Plans.Load(id); err == nil {
			d.mu.Lock()
			rt.status = p.Status
			rt.phase = p.ExecutionPhase
			rt.subtask = p.CurrentSubtask()
			d.mu.Unlock()
		}
		d.publishSnapshot()
		return
	}

	d.mu.Lock()
	d.index.refresh(id)
	d.mu.Unlock()
	d.admit(ctx)
	d.publishSnapshot()
}

// publishSnapshot hands the current state to the status bridge.
func (d *Daemon) publishSnapshot() {
	d.mu.Lock()
	in := status.SnapshotInput{
		Running:      true,
		PID:          d.pid,
		StartedAt:    d.startedAt,
		RunningTasks: make(map[core.SpecID]core.RunningTaskInfo, len(d.running)),
		QueuedTasks:  d.index.queuedRefs(d.runningIDs(), d.cfg.Daemon.MaxRecovery),
		Completed:    d.index.completedCount(),
	}
	for id, rt := range d.running {
		in.RunningTasks[id] = rt.info()
	}
	d.mu.Unlock()

	snap := status.BuildSnapshot(in)
	d.deps.Metrics.ObserveSnapshot(snap)
	if err := d.deps.Status.Publish(snap); err != nil {
		d.logger.Warn("status publish failed", "error", err)
	}
}

// runningIDs returns the running set keyed for the index filters. Callers
// hold d.mu.
func (d *Daemon) runningIDs() map[core.SpecID]bool {
	ids := make(map[core.SpecID]bool, len(d.running))
	for id := range d.running {
		ids[id] = true
	}
	return ids
}

// shutdown drains running children: each gets a SIGTERM with the configured
// grace before SIGKILL, and non-terminal plans are re-queued so a restart
// resumes them. A hard deadline bounds the whole drain.
func (d *Daemon) shutdown() error {
	grace := d.cfg.Daemon.GraceTimeout()

	d.mu.Lock()
	n := len(d.running)
	for _, rt := range d.running {
		rt.draining = true
		go func(c Child) { _ = c.Terminate(grace) }(rt.child)
	}
	d.mu.Unlock()
	d.logger.Info("daemon stopping", "running", n)

	deadline := time.NewTimer(grace*2 + 5*time.Second)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		remaining := len(d.running)
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case msg := <-d.exits:
			d.finishDrained(msg.specID)
		case <-deadline.C:
			d.logger.Error("drain deadline exceeded, abandoning children", "remaining", remaining)
			d.mu.Lock()
			d.running = make(map[core.SpecID]*runningTask)
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	completed := d.index.completedCount()
	d.mu.Unlock()
	final := status.BuildSnapshot(status.SnapshotInput{
		Running:   false,
		PID:       d.pid,
		StartedAt: d.startedAt,
		Completed: completed,
	})
	if err := d.deps.Status.Publish(final); err != nil {
		d.logger.Warn("final status publish failed", "error", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// armResumeWake spawns at most one waiter that pokes the supervisor loop
// when a pause lifts.
func (d *Daemon) armResumeWake(ctx context.Context) {
	d.mu.Lock()
	if d.resumeArmed {
		d.mu.Unlock()
		return
	}
	d.resumeArmed = true
	d.mu.Unlock()

	go func() {
		_ = d.deps.Bus.WaitIfPaused(ctx)
		d.mu.Lock()
		d.resumeArmed = false
		d.mu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}()
}

// appendTaskEvent journals a TASK_EVENT marker for a task and fans it out
// on the notification bus. Journal failures are logged, never fatal.
func (d *Daemon) appendTaskEvent(id core.SpecID, payload map[string]interface{}) {
	jl, err := d.deps.Logs.Open(d.layout.SpecDir(id))
	if err != nil {
		d.logger.Warn("event log unavailable", "spec", string(id), "error", err)
		return
	}
	defer jl.Close()
	seq, err := jl.Append(core.EventTask, payload)
	if err != nil {
		d.logger.Warn("event append failed", "spec", string(id), "error", err)
		return
	}
	if d.deps.Notify != nil {
		d.deps.Notify.PublishPriority(events.Notification{
			SpecID: id,
			Event: core.Event{
				Sequence: seq,
				TS:       d.now().UTC(),
				Kind:     core.EventTask,
				Payload:  payload,
			},
		})
	}
}

// nopPublisher discards snapshots.
type nopPublisher struct{}

func (nopPublisher) Publish(*core.DaemonSnapshot) error { return nil }
func (nopPublisher) Close() error                       { return nil }

// nopRecorder discards run history.
type nopRecorder struct{}

func (nopRecorder) RecordAdmission(context.Context, core.SpecID, core.TaskKind, core.Priority) error {
	return nil
}
func (nopRecorder) RecordCompletion(context.Context, core.SpecID, core.TaskStatus, time.Duration) error {
	return nil
}
func (nopRecorder) RecordRecovery(context.Context, core.SpecID, string, int) error { return nil }
func (nopRecorder) RecordQAIteration(context.Context, core.SpecID, int, bool) error {
	return nil
}
func (nopRecorder) Close() error { return nil }
