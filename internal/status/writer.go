package status

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/fsutil"
	"github.com/auto-claude/auto-claude/internal/lockfile"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const defaultRepublish = 4 * time.Second

// WriterConfig configures the status file writer.
type WriterConfig struct {
	// Path is the status file location.
	Path string
	// Republish is the cadence of unchanged-snapshot rewrites. Observers
	// that missed a push re-read a file at most this old. Zero means 4s.
	Republish time.Duration
	Logger    *logging.Logger
}

// FileWriter keeps the status file current. All writes happen on one
// goroutine: Publish stores the snapshot and raises a dirty flag, the loop
// wakes, writes atomically, then runs the after-write hook. Bursts of
// publishes coalesce into a single write of the latest snapshot.
type FileWriter struct {
	path       string
	republish  time.Duration
	logger     *logging.Logger
	afterWrite func(*core.DaemonSnapshot)

	mu      sync.Mutex
	current *core.DaemonSnapshot

	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileWriter creates a stopped writer. Call SetAfterWrite, then Start.
func NewFileWriter(cfg WriterConfig) *FileWriter {
	if cfg.Republish <= 0 {
		cfg.Republish = defaultRepublish
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &FileWriter{
		path:      cfg.Path,
		republish: cfg.Republish,
		logger:    cfg.Logger.WithComponent("status"),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// SetAfterWrite registers a hook called on the writer goroutine after each
// successful file write. Push notifications hang off this hook so they
// always trail the write they announce. Must be called before Start.
func (w *FileWriter) SetAfterWrite(fn func(*core.DaemonSnapshot)) {
	w.afterWrite = fn
}

// Start launches the writer goroutine.
func (w *FileWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Publish replaces the pending snapshot and wakes the writer. It never
// blocks; write failures are logged by the loop.
func (w *FileWriter) Publish(snapshot *core.DaemonSnapshot) error {
	w.mu.Lock()
	w.current = snapshot.Clone()
	w.mu.Unlock()

	select {
	case w.dirty <- struct{}{}:
	default:
	}
	return nil
}

// Snapshot returns a copy of the most recently published snapshot, or nil
// before the first Publish.
func (w *FileWriter) Snapshot() *core.DaemonSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return w.current.Clone()
}

// Close stops the writer after flushing any pending publish, so the last
// snapshot handed to Publish always reaches disk. Idempotent.
func (w *FileWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *FileWriter) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.republish)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			select {
			case <-w.dirty:
				w.writeOnce()
			default:
			}
			return
		case <-w.dirty:
			w.writeOnce()
		case <-ticker.C:
			// Unchanged snapshots go out too; consumers dedupe by
			// timestamp. This also bounds how stale a reader can get
			// when a push was dropped.
			w.writeOnce()
		}
	}
}

func (w *FileWriter) writeOnce() {
	w.mu.Lock()
	snap := w.current
	w.mu.Unlock()
	if snap == nil {
		return
	}

	snap = snap.Clone()
	snap.Timestamp = time.Now().UTC()
	w.mergeForeign(snap)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		w.logger.Warn("status snapshot marshal failed", "error", err)
		return
	}
	if err := fsutil.AtomicWriteFile(w.path, data, 0o644); err != nil {
		w.logger.Warn("status file write failed", "path", w.path, "error", err)
		return
	}

	if w.afterWrite != nil {
		w.afterWrite(snap)
	}
}

// mergeForeign folds in running tasks recorded by another live daemon. If
// the file on disk carries a different pid that is still alive, its
// entries survive the write instead of being clobbered; entries whose
// owner is dead are discarded. Our own entries always win a collision.
func (w *FileWriter) mergeForeign(snap *core.DaemonSnapshot) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	var existing core.DaemonSnapshot
	if err := json.Unmarshal(data, &existing); err != nil {
		return
	}
	if existing.PID == 0 || existing.PID == snap.PID || !lockfile.PidAlive(existing.PID) {
		return
	}

	for id, info := range existing.RunningTasks {
		if _, ours := snap.RunningTasks[id]; ours {
			continue
		}
		snap.RunningTasks[id] = info
	}

	queued := snap.QueuedTasks[:0]
	for _, ref := range snap.QueuedTasks {
		if _, active := snap.RunningTasks[ref.SpecID]; active {
			continue
		}
		queued = append(queued, ref)
	}
	snap.QueuedTasks = queued
	snap.Stats.Running = len(snap.RunningTasks)
	snap.Stats.Queued = len(snap.QueuedTasks)
}
