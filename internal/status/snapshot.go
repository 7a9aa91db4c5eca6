// Package status publishes the daemon's state to external observers. One
// file writer goroutine keeps .auto-claude/daemon_status.json current, and
// an optional loopback WebSocket server nudges connected clients after
// each write so they re-read the file instead of polling it.
package status

import (
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// SnapshotInput is the daemon state a snapshot is built from. The maps and
// slices are cloned; callers may keep mutating them afterwards.
type SnapshotInput struct {
	Running      bool
	PID          int
	StartedAt    time.Time
	RunningTasks map[core.SpecID]core.RunningTaskInfo
	QueuedTasks  []core.QueuedTaskRef
	Completed    int
}

// BuildSnapshot assembles a point-in-time view of the daemon. A queued
// entry that collides with a running task is dropped, so runningTasks and
// queuedTasks never overlap. WSPort and Timestamp stay unset; the bridge
// and the file writer fill them at publish time.
func BuildSnapshot(in SnapshotInput) *core.DaemonSnapshot {
	running := make(map[core.SpecID]core.RunningTaskInfo, len(in.RunningTasks))
	for id, info := range in.RunningTasks {
		running[id] = info
	}

	queued := make([]core.QueuedTaskRef, 0, len(in.QueuedTasks))
	for _, ref := range in.QueuedTasks {
		if _, active := running[ref.SpecID]; active {
			continue
		}
		queued = append(queued, ref)
	}

	return &core.DaemonSnapshot{
		Running:      in.Running,
		PID:          in.PID,
		StartedAt:    in.StartedAt,
		RunningTasks: running,
		QueuedTasks:  queued,
		Stats: core.SnapshotStats{
			Running:   len(running),
			Queued:    len(queued),
			Completed: in.Completed,
		},
	}
}
