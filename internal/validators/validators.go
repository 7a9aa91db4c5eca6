// Package validators implements the QA evidence collectors: build, browser,
// api, and db. Each one runs independently against a worktree and reports a
// structured result; ordering and parallelism belong to the QA loop.
package validators

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// ForProject assembles the full validator set. Selection against project
// capabilities happens per QA run via Selectable.
func ForProject(cfg config.ValidatorsConfig, logger *logging.Logger) []core.Validator {
	return []core.Validator{
		NewBuild(cfg.Build, logger),
		NewBrowser(cfg.Browser, logger),
		NewAPI(logger),
		NewDB(cfg.Database, logger),
	}
}

// Select filters the set down to the validators that apply to caps.
func Select(all []core.Validator, caps core.Capabilities) []core.Validator {
	selected := make([]core.Validator, 0, len(all))
	for _, v := range all {
		if v.Selectable(caps) {
			selected = append(selected, v)
		}
	}
	return selected
}

// shellResult is the outcome of one shell command run.
type shellResult struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// runShell executes a project-supplied command line through the platform
// shell with a hard timeout. Output is combined stdout+stderr, capped.
func runShell(ctx context.Context, command, dir string, timeout time.Duration) (shellResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	res := shellResult{Output: truncateOutput(string(out), 4000)}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		res.Output = fmt.Sprintf("command timed out after %v: %s\n%s", timeout, command, res.Output)
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func truncateOutput(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}

// tailOutput keeps the end of a long output, where failures usually are.
func tailOutput(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// boundedBuffer is a concurrency-safe writer keeping the most recent bytes.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
