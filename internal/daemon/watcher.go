package daemon

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// specWatcher turns raw fsnotify traffic on the specs directory into
// debounced per-task change notices. Agents rewrite plan files in bursts;
// each task gets its own settle window so one noisy task cannot starve the
// others. A new spec directory is added to the watch set the moment it
// appears, so the plan file written last still produces an event.
type specWatcher struct {
	specsDir string
	window   time.Duration
	logger   *logging.Logger

	fs      *fsnotify.Watcher
	changes chan core.SpecID
	scans   chan struct{}

	mu     sync.Mutex
	timers map[core.SpecID]*time.Timer
	closed bool
}

func newSpecWatcher(specsDir string, window time.Duration, logger *logging.Logger) (*specWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 100 * time.Millisecond
	}

	w := &specWatcher{
		specsDir: specsDir,
		window:   window,
		logger:   logger,
		fs:       fs,
		changes:  make(chan core.SpecID, 256),
		scans:    make(chan struct{}, 1),
		timers:   make(map[core.SpecID]*time.Timer),
	}

	if err := fs.Add(specsDir); err != nil {
		fs.Close()
		return nil, err
	}
	entries, err := os.ReadDir(specsDir)
	if err != nil {
		fs.Close()
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if err := fs.Add(filepath.Join(specsDir, e.Name())); err != nil {
			logger.Warn("spec dir not watched", "dir", e.Name(), "error", err)
		}
	}

	go w.run()
	return w, nil
}

// Changes delivers debounced per-task notices.
func (w *specWatcher) Changes() <-chan core.SpecID { return w.changes }

// Scans signals that the directory population may have shifted in a way a
// single-task refresh cannot capture.
func (w *specWatcher) Scans() <-chan struct{} { return w.scans }

func (w *specWatcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *specWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.specsDir, ev.Name)
	if err != nil {
		return
	}

	switch {
	case rel == ".":
		// The spec factory bumps the directory mtime after writing a
		// batch; treat any root-level touch as a rescan hint.
		w.hintScan()

	case filepath.Dir(rel) == ".":
		if rel == "" || rel[0] == '.' {
			return
		}
		id, err := core.ParseSpecID(rel)
		if err != nil {
			return
		}
		if ev.Has(fsnotify.Create) {
			if err := w.fs.Add(ev.Name); err != nil {
				w.logger.Warn("spec dir not watched", "dir", rel, "error", err)
			}
		}
		w.bump(id)

	case filepath.Base(rel) == core.PlanFileName:
		id, err := core.ParseSpecID(filepath.Dir(rel))
		if err != nil {
			return
		}
		w.bump(id)
	}
}

// bump schedules (or re-arms) the settle timer for one task.
func (w *specWatcher) bump(id core.SpecID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[id]; ok {
		t.Reset(w.window)
		return
	}
	w.timers[id] = time.AfterFunc(w.window, func() { w.fire(id) })
}

func (w *specWatcher) fire(id core.SpecID) {
	w.mu.Lock()
	delete(w.timers, id)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	select {
	case w.changes <- id:
	default:
		// Consumer is behind; the periodic rescan will pick this up.
		w.hintScan()
	}
}

func (w *specWatcher) hintScan() {
	select {
	case w.scans <- struct{}{}:
	default:
	}
}

func (w *specWatcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	return w.fs.Close()
}
