package core

import "time"

// RunningTaskInfo is one entry of the snapshot's runningTasks map.
type RunningTaskInfo struct {
	SpecDir        string    `json:"specDir"`
	PID            int       `json:"pid"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	LastUpdate     time.Time `json:"lastUpdate"`
	IsRunning      bool      `json:"isRunning"`
	Kind           TaskKind  `json:"kind"`
	CurrentSubtask string    `json:"currentSubtask,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	Session        string    `json:"session,omitempty"`
}

// QueuedTaskRef is one entry of the snapshot's queue listing.
type QueuedTaskRef struct {
	SpecID   SpecID   `json:"specId"`
	Priority Priority `json:"priority"`
}

// SnapshotStats summarizes population counts for quick display.
type SnapshotStats struct {
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
}

// DaemonSnapshot is the Status Bridge's published view of the daemon. Every
// write is atomic and reflects the daemon's in-memory state at one instant:
// runningTasks and queuedTasks are disjoint by construction.
type DaemonSnapshot struct {
	Running      bool                       `json:"running"`
	PID          int                        `json:"pid"`
	StartedAt    time.Time                  `json:"startedAt"`
	RunningTasks map[SpecID]RunningTaskInfo `json:"runningTasks"`
	QueuedTasks  []QueuedTaskRef            `json:"queuedTasks"`
	Stats        SnapshotStats              `json:"stats"`
	WSPort       *int                       `json:"wsPort"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// Clone deep-copies the snapshot so publishers can hand it out without
// sharing mutable maps.
func (s *DaemonSnapshot) Clone() *DaemonSnapshot {
	out := *s
	out.RunningTasks = make(map[SpecID]RunningTaskInfo, len(s.RunningTasks))
	for k, v := range s.RunningTasks {
		out.RunningTasks[k] = v
	}
	out.QueuedTasks = append([]QueuedTaskRef(nil), s.QueuedTasks...)
	if s.WSPort != nil {
		p := *s.WSPort
		out.WSPort = &p
	}
	return &out
}
