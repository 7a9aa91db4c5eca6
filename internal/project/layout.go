// Package project centralizes the on-disk conventions of an orchestrated
// project: the .auto-claude tree, the analyzer-produced project index with
// capability inference, and the admission check for spec directories.
package project

import (
	"os"
	"path/filepath"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Layout resolves every well-known path under a project root. All other
// packages go through it instead of joining path fragments themselves.
type Layout struct {
	root string
}

// NewLayout builds the path table for a project root.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// Root returns the project root directory.
func (l Layout) Root() string { return l.root }

// PrivateDir is {root}/.auto-claude.
func (l Layout) PrivateDir() string {
	return filepath.Join(l.root, core.PrivateDirName)
}

// SpecsDir holds one subdirectory per task.
func (l Layout) SpecsDir() string {
	return filepath.Join(l.PrivateDir(), core.SpecsDirName)
}

// SpecDir is the directory for one task.
func (l Layout) SpecDir(id core.SpecID) string {
	return filepath.Join(l.SpecsDir(), string(id))
}

// WorktreesDir holds the per-task isolated working copies.
func (l Layout) WorktreesDir() string {
	return filepath.Join(l.PrivateDir(), filepath.FromSlash(core.WorktreesDirName))
}

// WorktreePath is the working copy for one task.
func (l Layout) WorktreePath(id core.SpecID) string {
	return filepath.Join(l.WorktreesDir(), string(id))
}

// StatusFile is the atomically rewritten daemon snapshot.
func (l Layout) StatusFile() string {
	return filepath.Join(l.PrivateDir(), core.StatusFileName)
}

// LockFile is the daemon singleton lock.
func (l Layout) LockFile() string {
	return filepath.Join(l.PrivateDir(), core.LockFileName)
}

// RunDBFile is the sqlite run history store.
func (l Layout) RunDBFile() string {
	return filepath.Join(l.PrivateDir(), core.RunDBFileName)
}

// IndexFile is the analyzer-produced project index.
func (l Layout) IndexFile() string {
	return filepath.Join(l.PrivateDir(), core.ProjectIndexFileName)
}

// AgentsFile holds project-local custom agent definitions.
func (l Layout) AgentsFile() string {
	return filepath.Join(l.PrivateDir(), core.AgentsConfigFileName)
}

// ConfigFile is the project-local configuration.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.PrivateDir(), "config.yaml")
}

// PlanFile is the implementation plan for one task.
func (l Layout) PlanFile(id core.SpecID) string {
	return filepath.Join(l.SpecDir(id), core.PlanFileName)
}

// EventLogFile is the per-task append-only event log.
func (l Layout) EventLogFile(id core.SpecID) string {
	return filepath.Join(l.SpecDir(id), core.EventLogFileName)
}

// Initialized reports whether the project has a specs directory. The
// daemon refuses to start otherwise.
func (l Layout) Initialized() bool {
	info, err := os.Stat(l.SpecsDir())
	return err == nil && info.IsDir()
}

// EnsurePrivateDirs creates the directories the daemon writes into.
func (l Layout) EnsurePrivateDirs() error {
	for _, dir := range []string{l.SpecsDir(), l.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return core.ErrProjectState(core.CodeProjectNotInitialized,
				"create "+dir+": "+err.Error()).WithCause(err)
		}
	}
	return nil
}
