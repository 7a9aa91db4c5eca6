package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
	"github.com/auto-claude/auto-claude/internal/project"
)

// recoveryCountKey is the plan field carrying the stuck-recovery counter.
// It rides in the plan's preserved extras so other tooling round-trips it.
const recoveryCountKey = "recoveryCount"

// indexEntry pins a task view to the plan file identity it was parsed from.
type indexEntry struct {
	task        core.Task
	mtime       time.Time
	size        int64
	quarantined bool
}

// taskIndex is the daemon's in-memory view of the specs directory. It is
// rebuilt by the periodic rescan and patched by watcher events; the daemon's
// mutex serializes all access.
type taskIndex struct {
	specsDir string
	plans    core.PlanStore
	logger   *logging.Logger

	entries   map[core.SpecID]*indexEntry
	completed map[core.SpecID]bool
	children  map[core.SpecID][]core.SpecID
}

func newTaskIndex(specsDir string, plans core.PlanStore, logger *logging.Logger) *taskIndex {
	return &taskIndex{
		specsDir:  specsDir,
		plans:     plans,
		logger:    logger,
		entries:   make(map[core.SpecID]*indexEntry),
		completed: make(map[core.SpecID]bool),
		children:  make(map[core.SpecID][]core.SpecID),
	}
}

// rebuild re-reads the whole specs directory. Entries for vanished spec
// dirs are dropped; completion markers survive so dependency edges onto
// deleted tasks stay satisfied.
func (ix *taskIndex) rebuild() error {
	names, err := project.ListSpecDirs(ix.specsDir)
	if err != nil {
		return err
	}

	seen := make(map[core.SpecID]bool, len(names))
	for _, name := range names {
		id, err := core.ParseSpecID(name)
		if err != nil {
			continue
		}
		seen[id] = true
		ix.refresh(id)
	}
	for id := range ix.entries {
		if !seen[id] {
			delete(ix.entries, id)
		}
	}
	ix.rebuildChildren()
	return nil
}

// refresh re-reads one task's plan. Unchanged files (same mtime and size)
// are skipped, a missing plan drops the entry, and an unreadable or
// schema-invalid plan quarantines the task without touching the file.
func (ix *taskIndex) refresh(id core.SpecID) {
	path := ix.plans.Path(id)
	info, err := os.Stat(path)
	if err != nil {
		delete(ix.entries, id)
		ix.rebuildChildren()
		return
	}

	if e, ok := ix.entries[id]; ok && e.mtime.Equal(info.ModTime()) && e.size == info.Size() {
		return
	}

	p, err := ix.plans.Load(id)
	if err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) && domErr.Category == core.ErrCatNotFound {
			delete(ix.entries, id)
		} else {
			ix.entries[id] = &indexEntry{
				task:        core.Task{SpecID: id, SpecDir: filepath.Join(ix.specsDir, string(id))},
				mtime:       info.ModTime(),
				size:        info.Size(),
				quarantined: true,
			}
			ix.logger.Warn("plan quarantined", "spec", string(id), "error", err)
		}
		ix.rebuildChildren()
		return
	}

	ix.entries[id] = &indexEntry{
		task:  ix.buildTask(id, p),
		mtime: info.ModTime(),
		size:  info.Size(),
	}
	if p.Status.IsCompleted() {
		ix.completed[id] = true
	}
	ix.rebuildChildren()
}

// buildTask projects a plan onto the admission view.
func (ix *taskIndex) buildTask(id core.SpecID, p *core.Plan) core.Task {
	specDir := filepath.Join(ix.specsDir, string(id))
	created := p.Created()
	if created.IsZero() {
		if nanos, err := project.SpecCreateTime(specDir); err == nil {
			created = time.Unix(0, nanos)
		}
	}
	return core.Task{
		SpecID:        id,
		SpecDir:       specDir,
		Kind:          core.ParseTaskKind(string(p.Kind)),
		Priority:      p.Priority,
		Status:        p.Status,
		UIState:       p.UIState,
		DependsOn:     p.DependsOn,
		ParentTask:    p.ParentTask,
		RecoveryCount: planRecoveryCount(p),
		CreatedAt:     created,
	}
}

func (ix *taskIndex) rebuildChildren() {
	ix.children = make(map[core.SpecID][]core.SpecID)
	for id, e := range ix.entries {
		if parent := e.task.ParentTask; parent != "" {
			ix.children[parent] = append(ix.children[parent], id)
		}
	}
	for parent := range ix.children {
		sort.Slice(ix.children[parent], func(i, j int) bool {
			return ix.children[parent][i] < ix.children[parent][j]
		})
	}
}

// markCompleted records a runtime completion for dependency matching. Tasks
// parked at human_review satisfy their dependents through this set even
// though their plan status is not terminal.
func (ix *taskIndex) markCompleted(id core.SpecID) {
	ix.completed[id] = true
}

func (ix *taskIndex) completedCount() int {
	return len(ix.completed)
}

func (ix *taskIndex) task(id core.SpecID) (core.Task, bool) {
	e, ok := ix.entries[id]
	if !ok {
		return core.Task{}, false
	}
	return e.task, true
}

// depth measures the parentTask chain length of a task, bounded against
// reference cycles on disk.
func (ix *taskIndex) depth(id core.SpecID) int {
	depth := 0
	current := id
	for i := 0; i < 10; i++ {
		e, ok := ix.entries[current]
		if !ok || e.task.ParentTask == "" {
			break
		}
		depth++
		current = e.task.ParentTask
	}
	return depth
}

// candidates returns the admissible tasks in admission order: priority
// ascending, then creation time, then spec id.
func (ix *taskIndex) candidates(running map[core.SpecID]bool, now time.Time, maxRecovery, maxChildDepth int, backoff map[core.SpecID]time.Time) []core.Task {
	var out []core.Task
	for id, e := range ix.entries {
		if e.quarantined || running[id] {
			continue
		}
		t := e.task
		if !t.Status.IsEligible() {
			continue
		}
		if t.RecoveryCount >= maxRecovery {
			continue
		}
		if until, ok := backoff[id]; ok && now.Before(until) {
			continue
		}
		if !t.DependenciesMet(ix.completed) {
			continue
		}
		if t.Kind.IsDecomposing() && ix.depth(id) >= maxChildDepth {
			continue
		}
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

// queuedRefs lists every waiting task for the status snapshot, including
// those whose dependencies are still unmet.
func (ix *taskIndex) queuedRefs(running map[core.SpecID]bool, maxRecovery int) []core.QueuedTaskRef {
	var waiting []core.Task
	for id, e := range ix.entries {
		if e.quarantined || running[id] {
			continue
		}
		if !e.task.Status.IsEligible() || e.task.RecoveryCount >= maxRecovery {
			continue
		}
		waiting = append(waiting, e.task)
	}
	sortTasks(waiting)

	refs := make([]core.QueuedTaskRef, 0, len(waiting))
	for _, t := range waiting {
		refs = append(refs, core.QueuedTaskRef{SpecID: t.SpecID, Priority: t.Priority})
	}
	return refs
}

func sortTasks(tasks []core.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.SpecID < b.SpecID
	})
}

// planRecoveryCount reads the stuck-recovery counter off a plan's extras.
func planRecoveryCount(p *core.Plan) int {
	if p.Extra == nil {
		return 0
	}
	raw, ok := p.Extra[recoveryCountKey]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return 0
	}
	return n
}

// setPlanRecoveryCount writes the stuck-recovery counter into a plan's
// extras.
func setPlanRecoveryCount(p *core.Plan, n int) {
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	if p.Extra == nil {
		p.Extra = make(map[string]json.RawMessage)
	}
	p.Extra[recoveryCountKey] = raw
}
