package daemon

import (
	"context"
	"os"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// checkStuck sweeps the running set for tasks with no sign of life within
// the stuck timeout and begins their recovery. Runs on the heartbeat tick,
// on the supervisor goroutine.
func (d *Daemon) checkStuck(ctx context.Context) {
	timeout := d.cfg.Daemon.StuckTimeout()
	if timeout <= 0 {
		return
	}

	now := d.now()
	type stuckTask struct {
		id core.SpecID
		rt *runningTask
	}
	var stuck []stuckTask

	d.mu.Lock()
	for id, rt := range d.running {
		if rt.recovering || rt.requeued || rt.draining {
			continue
		}
		if now.Sub(d.lastActivity(id, rt)) > timeout {
			stuck = append(stuck, stuckTask{id: id, rt: rt})
		}
	}
	d.mu.Unlock()

	for _, s := range stuck {
		d.recoverStuck(ctx, s.id, s.rt)
	}
}

// lastActivity reports the newest heartbeat across the configured sources:
// child stdout, event-log appends, and plan writes. Callers hold the daemon
// mutex for the stdout timestamp.
func (d *Daemon) lastActivity(id core.SpecID, rt *runningTask) time.Time {
	last := rt.startedAt
	sources := d.cfg.Daemon.HeartbeatSources
	if len(sources) == 0 {
		sources = core.HeartbeatSources
	}
	for _, src := range sources {
		switch src {
		case core.HeartbeatStdout:
			if rt.lastStdout.After(last) {
				last = rt.lastStdout
			}
		case core.HeartbeatEvents:
			if info, err := os.Stat(d.layout.EventLogFile(id)); err == nil && info.ModTime().After(last) {
				last = info.ModTime()
			}
		case core.HeartbeatPlan:
			if info, err := os.Stat(d.deps.Plans.Path(id)); err == nil && info.ModTime().After(last) {
				last = info.ModTime()
			}
		}
	}
	return last
}

// recoverStuck persists the bumped recovery counter, journals the event,
// and terminates the child's process group. The exit handler finishes the
// job: re-queue under the cap, error over it.
func (d *Daemon) recoverStuck(ctx context.Context, id core.SpecID, rt *runningTask) {
	count := 0
	if _, err := d.deps.Plans.Mutate(id, func(p *core.Plan) error {
		count = planRecoveryCount(p) + 1
		setPlanRecoveryCount(p, count)
		return nil
	}); err != nil {
		d.logger.Warn("recovery count not persisted", "spec", string(id), "error", err)
		count = rt.task.RecoveryCount + 1
	}

	d.mu.Lock()
	rt.recovering = true
	rt.recoveryCount = count
	d.mu.Unlock()

	d.logger.Warn("task stuck, terminating",
		"spec", string(id),
		"timeout", d.cfg.Daemon.StuckTimeout().String(),
		"recovery", count)
	d.appendTaskEvent(id, map[string]interface{}{
		"event":         core.TaskEventStuckRecovery,
		"recoveryCount": count,
	})
	if err := d.deps.Recorder.RecordRecovery(ctx, id, "stuck", count); err != nil {
		d.logger.Warn("recovery not recorded", "spec", string(id), "error", err)
	}
	d.deps.Metrics.TaskRecovered()

	grace := d.cfg.Daemon.GraceTimeout()
	go func() { _ = rt.child.Terminate(grace) }()
}
