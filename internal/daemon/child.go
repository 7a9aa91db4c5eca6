package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// ChildTask is the assignment handed to a pipeline child: which task to run
// and where. WorkingDir is the acquired worktree, or the project root when
// isolation is off.
type ChildTask struct {
	SpecID     core.SpecID
	SpecDir    string
	ProjectDir string
	WorkingDir string
}

// Child is one running pipeline process under supervision.
type Child interface {
	// PID returns the operating system process id.
	PID() int
	// Stdout delivers the child's output lines; the channel closes when the
	// pipe drains at process exit. Every line doubles as a heartbeat.
	Stdout() <-chan string
	// Wait blocks until the process exits. A non-nil error means a non-zero
	// exit or a transport failure.
	Wait() error
	// Terminate signals the whole process group: SIGTERM first, SIGKILL
	// once grace expires without an exit.
	Terminate(grace time.Duration) error
}

// SpawnFunc launches the pipeline child for an admitted task. The daemon
// owns the returned handle until Wait returns.
type SpawnFunc func(ctx context.Context, task ChildTask) (Child, error)

// childEnvNoBuffer forces unbuffered child output so stdout heartbeats
// arrive in real time instead of on pipe-buffer boundaries.
const childEnvNoBuffer = "NO_BUFFER=1"

// NewExecSpawner returns the production spawner: it re-invokes the daemon's
// own binary with the hidden run-task subcommand, placing the child in its
// own process group so the whole tree can be signaled together. An empty
// binary resolves to the current executable.
func NewExecSpawner(binary string, extraEnv []string) SpawnFunc {
	return func(ctx context.Context, task ChildTask) (Child, error) {
		bin := binary
		if bin == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolving daemon binary: %w", err)
			}
			bin = self
		}

		args := []string{
			"run-task",
			"--spec", string(task.SpecID),
			"--project-dir", task.ProjectDir,
			"--working-dir", task.WorkingDir,
		}
		cmd := exec.Command(bin, args...)
		cmd.Dir = task.ProjectDir
		cmd.Env = append(os.Environ(), childEnvNoBuffer)
		cmd.Env = append(cmd.Env, extraEnv...)
		cmd.Stdin = nil
		setProcGroup(cmd)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("piping child stdout: %w", err)
		}
		cmd.Stderr = cmd.Stdout

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting pipeline child for %s: %w", task.SpecID, err)
		}

		c := &execChild{
			cmd:    cmd,
			lines:  make(chan string, 64),
			exited: make(chan struct{}),
		}
		go c.pump(stdout)
		return c, nil
	}
}

// execChild supervises one exec.Cmd. Wait may be called once; Terminate may
// race with a natural exit and both are safe.
type execChild struct {
	cmd    *exec.Cmd
	lines  chan string
	exited chan struct{}

	waitOnce sync.Once
	waitErr  error
}

func (c *execChild) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execChild) Stdout() <-chan string { return c.lines }

// pump reads output line by line. Reading stops at EOF, which the OS
// delivers when the process (and any inheritors of the pipe) exits.
func (c *execChild) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.lines <- line
	}
	close(c.lines)
}

func (c *execChild) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		close(c.exited)
	})
	return c.waitErr
}

func (c *execChild) Terminate(grace time.Duration) error {
	return killTree(c.cmd, grace, c.exited)
}
