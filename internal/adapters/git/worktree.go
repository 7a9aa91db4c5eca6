package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// resolvePath resolves symlinks and returns an absolute path.
// Needed for cross-platform path comparison (e.g. macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// WorktreeManager provisions one isolated working copy per task under the
// project's private worktrees directory, on a branch derived from the spec
// ID.
type WorktreeManager struct {
	git             *Client
	baseDir         string
	branchPrefix    string
	baseBranch      string
	busyRetryWindow time.Duration
}

// WorktreeOptions tunes manager behavior. Zero values pick defaults.
type WorktreeOptions struct {
	// BranchPrefix defaults to core.TaskBranchPrefix.
	BranchPrefix string
	// BaseBranch is the branch tasks fork from and merge back into.
	// Empty means detect (origin HEAD, then main, then master).
	BaseBranch string
	// BusyRetryWindow bounds removal retries while the directory is held
	// open by a dying process. Defaults to 30 seconds.
	BusyRetryWindow time.Duration
}

// NewWorktreeManager creates a worktree manager. An empty baseDir defaults
// to {repo}/.auto-claude/worktrees/tasks.
func NewWorktreeManager(git *Client, baseDir string, opts WorktreeOptions) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), core.PrivateDirName, core.WorktreesDirName)
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = core.TaskBranchPrefix
	}
	if opts.BusyRetryWindow <= 0 {
		opts.BusyRetryWindow = 30 * time.Second
	}

	return &WorktreeManager{
		git:             git,
		baseDir:         baseDir,
		branchPrefix:    opts.BranchPrefix,
		baseBranch:      opts.BaseBranch,
		busyRetryWindow: opts.BusyRetryWindow,
	}
}

// Path returns the worktree path for a spec.
func (m *WorktreeManager) Path(specID core.SpecID) string {
	return filepath.Join(m.baseDir, string(specID))
}

// Branch returns the task branch name for a spec.
func (m *WorktreeManager) Branch(specID core.SpecID) string {
	return m.branchPrefix + string(specID)
}

// BaseDir returns the directory worktrees are created under.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}

// Acquire returns a valid worktree for the task. An existing directory is
// reused only when it passes validation and sits on the expected branch;
// anything else is force-removed and recreated from the base branch.
func (m *WorktreeManager) Acquire(ctx context.Context, specID core.SpecID) (*core.Worktree, error) {
	path := m.Path(specID)
	branch := m.Branch(specID)

	if _, err := os.Stat(path); err == nil {
		current, berr := m.branchAt(ctx, path)
		if m.Validate(ctx, path) == nil && berr == nil && current == branch {
			return &core.Worktree{SpecID: specID, Path: path, Branch: branch}, nil
		}
		if err := m.removeForce(ctx, path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, core.ErrWorktree(core.CodeWorktreeInvalid,
			"creating worktrees directory").WithCause(err)
	}

	base, err := m.resolveBase(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.git.run(ctx, "worktree", "add", "--detach", path, base); err != nil {
		return nil, core.ErrWorktree(core.CodeWorktreeInvalid,
			fmt.Sprintf("creating worktree for %s", specID)).WithCause(err)
	}
	if _, err := runGit(ctx, path, m.git.timeout, "checkout", "-B", branch); err != nil {
		return nil, core.ErrWorktree(core.CodeWorktreeInvalid,
			fmt.Sprintf("checking out %s", branch)).WithCause(err)
	}

	return &core.Worktree{SpecID: specID, Path: path, Branch: branch}, nil
}

// Validate checks the three validity conditions: .git is a regular file,
// its gitdir resolves under the main repository's worktree admin area, and
// git itself still lists the path. Any failure means the worktree must be
// recreated, never reused.
func (m *WorktreeManager) Validate(ctx context.Context, path string) error {
	gitFile := filepath.Join(path, ".git")
	info, err := os.Lstat(gitFile)
	if err != nil {
		return core.ErrWorktree(core.CodeWorktreeInvalid, ".git missing").WithCause(err)
	}
	if !info.Mode().IsRegular() {
		return core.ErrWorktree(core.CodeWorktreeInvalid, ".git is not a regular file")
	}

	data, err := os.ReadFile(gitFile)
	if err != nil {
		return core.ErrWorktree(core.CodeWorktreeInvalid, "reading .git").WithCause(err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	target, ok := strings.CutPrefix(strings.TrimSpace(first), "gitdir:")
	if !ok {
		return core.ErrWorktree(core.CodeWorktreeInvalid, ".git has no gitdir line")
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(path, target)
	}

	adminRoot, err := m.worktreeAdminRoot(ctx)
	if err != nil {
		return err
	}
	resolvedTarget := resolvePath(target)
	if !strings.HasPrefix(resolvedTarget, adminRoot+string(filepath.Separator)) {
		return core.ErrWorktree(core.CodeWorktreeInvalid,
			fmt.Sprintf("gitdir %s is outside %s", resolvedTarget, adminRoot))
	}

	entries, err := m.List(ctx)
	if err != nil {
		return err
	}
	resolved := resolvePath(path)
	for _, e := range entries {
		if resolvePath(e.Path) == resolved {
			return nil
		}
	}
	return core.ErrWorktree(core.CodeWorktreeInvalid, "worktree not listed by git")
}

// worktreeAdminRoot returns {mainRepo}/.git/worktrees resolved.
func (m *WorktreeManager) worktreeAdminRoot(ctx context.Context) (string, error) {
	commonDir, err := m.git.run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", core.ErrWorktree(core.CodeWorktreeInvalid,
			"resolving git common dir").WithCause(err)
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(m.git.RepoPath(), commonDir)
	}
	return resolvePath(filepath.Join(commonDir, "worktrees")), nil
}

// branchAt returns the branch checked out at a worktree path.
func (m *WorktreeManager) branchAt(ctx context.Context, path string) (string, error) {
	return runGit(ctx, path, m.git.timeout, "rev-parse", "--abbrev-ref", "HEAD")
}

// removeForce unregisters and deletes a worktree directory, falling back to
// plain removal for directories git does not recognize.
func (m *WorktreeManager) removeForce(ctx context.Context, path string) error {
	if _, err := m.git.run(ctx, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return core.ErrWorktree(core.CodeWorktreeBusy,
				fmt.Sprintf("removing stale worktree %s", path)).WithCause(rmErr)
		}
		m.git.run(ctx, "worktree", "prune")
	}
	return nil
}

// Destroy removes the worktree and best-effort deletes its branch. Removal
// failures are retried with exponential backoff inside the busy-retry
// window; running past it reports WORKTREE_BUSY so the caller can log and
// move on.
func (m *WorktreeManager) Destroy(ctx context.Context, specID core.SpecID) error {
	path := m.Path(specID)

	if _, err := os.Stat(path); err == nil {
		if err := m.removeWithRetry(ctx, path); err != nil {
			return err
		}
	} else {
		// Directory already gone; clear any stale admin entry.
		m.git.run(ctx, "worktree", "prune")
	}

	// Branch removal is best effort; a failed delete leaves a stale ref.
	m.git.DeleteBranch(ctx, m.Branch(specID), true)
	return nil
}

func (m *WorktreeManager) removeWithRetry(ctx context.Context, path string) error {
	deadline := time.Now().Add(m.busyRetryWindow)
	delay := time.Second

	for {
		_, err := m.git.run(ctx, "worktree", "remove", "--force", path)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "not a working tree") {
			if rmErr := os.RemoveAll(path); rmErr == nil {
				m.git.run(ctx, "worktree", "prune")
				return nil
			}
		}
		if ctx.Err() != nil || time.Now().Add(delay).After(deadline) {
			return core.ErrWorktree(core.CodeWorktreeBusy,
				fmt.Sprintf("removing worktree %s", path)).WithCause(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// MergeBack merges the task branch into the base branch with a merge
// commit. It runs in the main repository, never inside a worktree. On
// conflicts the repository is left mid-merge and the error carries the
// conflicting paths.
func (m *WorktreeManager) MergeBack(ctx context.Context, specID core.SpecID) error {
	branch := m.Branch(specID)

	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound("branch", branch)
	}

	status, err := m.git.Status(ctx)
	if err != nil {
		return err
	}
	if !status.IsClean() {
		return core.ErrProjectState(core.CodeMainRepoDirty,
			"main repository has uncommitted changes")
	}

	base, err := m.resolveBase(ctx)
	if err != nil {
		return err
	}
	if status.Branch != base {
		if err := m.git.Checkout(ctx, base); err != nil {
			return err
		}
	}

	if _, err := m.git.run(ctx, "merge", "--no-ff", "--no-edit", branch); err != nil {
		conflicts, cerr := m.git.ConflictedFiles(ctx)
		if cerr == nil && len(conflicts) > 0 {
			return core.ErrMergeConflict(specID, conflicts)
		}
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	return nil
}

// FastForward advances the base branch to the task branch without a merge
// commit. Used when the task branch already contains the base, so a
// non-fast-forward state is a real error, not a conflict.
func (m *WorktreeManager) FastForward(ctx context.Context, specID core.SpecID) error {
	branch := m.Branch(specID)

	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound("branch", branch)
	}

	status, err := m.git.Status(ctx)
	if err != nil {
		return err
	}
	if !status.IsClean() {
		return core.ErrProjectState(core.CodeMainRepoDirty,
			"main repository has uncommitted changes")
	}

	base, err := m.resolveBase(ctx)
	if err != nil {
		return err
	}
	if status.Branch != base {
		if err := m.git.Checkout(ctx, base); err != nil {
			return err
		}
	}

	if _, err := m.git.run(ctx, "merge", "--ff-only", branch); err != nil {
		return fmt.Errorf("fast-forwarding to %s: %w", branch, err)
	}
	return nil
}

// ConcludeMerge commits an in-progress merge after its conflicts were
// resolved. Remaining conflict markers fail with the unresolved paths; a
// merge the resolver already committed concludes as a no-op.
func (m *WorktreeManager) ConcludeMerge(ctx context.Context, specID core.SpecID) error {
	if !m.git.MergeInProgress(ctx) {
		return nil
	}
	conflicts, err := m.git.ConflictedFiles(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return core.ErrMergeConflict(specID, conflicts)
	}
	if _, err := m.git.run(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := m.git.run(ctx, "commit", "--no-edit"); err != nil {
		return fmt.Errorf("concluding merge of %s: %w", m.Branch(specID), err)
	}
	return nil
}

// AbortMerge abandons an in-progress merge, restoring the pre-merge tree.
func (m *WorktreeManager) AbortMerge(ctx context.Context) error {
	if !m.git.MergeInProgress(ctx) {
		return nil
	}
	return m.git.AbortMerge(ctx)
}

func (m *WorktreeManager) resolveBase(ctx context.Context) (string, error) {
	if m.baseBranch != "" {
		return m.baseBranch, nil
	}
	return m.git.DefaultBranch(ctx)
}

// Entry is one row of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Branch   string
	Head     string
	Detached bool
	Locked   bool
	Prunable bool
}

// List returns all worktrees git knows about for this repository.
func (m *WorktreeManager) List(ctx context.Context) ([]Entry, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

func parseWorktreeList(output string) []Entry {
	entries := make([]Entry, 0)
	var current *Entry

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		} else if current != nil {
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Head = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			case line == "detached":
				current.Detached = true
			case line == "locked":
				current.Locked = true
			case line == "prunable":
				current.Prunable = true
			}
		}
	}

	if current != nil {
		entries = append(entries, *current)
	}

	return entries
}

var _ core.WorktreeManager = (*WorktreeManager)(nil)
