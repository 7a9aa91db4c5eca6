package core

import (
	"context"
	"time"
)

// PlanStore reads and writes plan documents. Implementations guarantee that
// every Save is schema-validated and atomically replaced on disk, and that
// a file that fails to parse is never overwritten.
type PlanStore interface {
	// Load reads and validates the plan for a spec.
	Load(specID SpecID) (*Plan, error)
	// Save validates and atomically replaces the plan for a spec.
	Save(specID SpecID, plan *Plan) error
	// Mutate applies fn under the spec's write lock and persists the result.
	Mutate(specID SpecID, fn func(*Plan) error) (*Plan, error)
	// Path returns the plan file path for a spec.
	Path(specID SpecID) string
}

// EventLog is one task's append-only journal.
type EventLog interface {
	// Append writes one event and returns its assigned sequence number.
	Append(kind EventKind, payload map[string]interface{}) (int64, error)
	// Read returns all events with sequence >= fromSeq, tolerating a
	// truncated trailing line.
	Read(fromSeq int64) ([]Event, error)
	// LastActivity reports when the log was last appended to.
	LastActivity() (time.Time, error)
	Close() error
}

// EventLogOpener creates per-task event logs rooted at each spec dir.
type EventLogOpener interface {
	Open(specDir string) (EventLog, error)
}

// Worktree is one acquired isolated working copy.
type Worktree struct {
	SpecID SpecID
	Path   string
	Branch string
}

// WorktreeManager acquires, verifies, and destroys isolated working copies.
type WorktreeManager interface {
	// Acquire returns a valid worktree for the task, reusing an existing
	// one only when it passes validation with the expected branch.
	Acquire(ctx context.Context, specID SpecID) (*Worktree, error)
	// Validate checks the three validity conditions; any failure means the
	// worktree must be recreated, never reused.
	Validate(ctx context.Context, path string) error
	// Destroy removes the worktree and best-effort deletes its branch.
	Destroy(ctx context.Context, specID SpecID) error
	// MergeBack merges the task branch into the base branch from the main
	// repository. Never called from inside a worktree.
	MergeBack(ctx context.Context, specID SpecID) error
}

// StatusPublisher receives daemon snapshots for external observers.
type StatusPublisher interface {
	// Publish replaces the current snapshot. Implementations write the
	// status file before any push notification.
	Publish(snapshot *DaemonSnapshot) error
	Close() error
}

// RunRecorder persists run history for post-hoc inspection. Recording
// failures are logged, never fatal.
type RunRecorder interface {
	RecordAdmission(ctx context.Context, specID SpecID, kind TaskKind, priority Priority) error
	RecordCompletion(ctx context.Context, specID SpecID, status TaskStatus, duration time.Duration) error
	RecordRecovery(ctx context.Context, specID SpecID, reason string, count int) error
	RecordQAIteration(ctx context.Context, specID SpecID, iteration int, approved bool) error
	Close() error
}
