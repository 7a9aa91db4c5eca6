package validators

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const defaultCommandTimeout = 300 * time.Second

// Build runs the project's lint, build, and test commands in the worktree.
// It always runs first; runtime validators are skipped when it fails. Lint
// and test failures block; a production build failure is informational
// because runtime validators start their own dev servers.
type Build struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewBuild creates the build validator.
func NewBuild(cfg config.BuildValidatorConfig, logger *logging.Logger) *Build {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Build{timeout: timeout, logger: logger.WithValidator("build")}
}

func (b *Build) Name() string { return "build" }

// Selectable always reports true; every project gets build validation.
func (b *Build) Selectable(core.Capabilities) bool { return true }

func (b *Build) ArtifactGlobs() []string {
	return []string{"**/*"}
}

type buildStep struct {
	kind     string
	command  string
	dir      string
	blocking bool
}

// Run executes each service's commands in order. Commands come from the
// project index only; validators never invent them.
func (b *Build) Run(ctx context.Context, vctx core.ValidatorContext) core.ValidatorResult {
	start := time.Now()

	steps := b.collectSteps(vctx)
	if len(steps) == 0 {
		return core.Skip("build", "no build system detected")
	}

	var (
		lines        []string
		firstFailure *buildStep
		firstOutput  string
		firstExit    int
		blockingFail bool
	)

	for i := range steps {
		step := steps[i]
		if ctx.Err() != nil {
			return core.Skip("build", "cancelled")
		}

		b.logger.Info("running build step", "kind", step.kind, "command", step.command)
		res, err := runShell(ctx, step.command, step.dir, b.timeout)
		if err != nil {
			return core.Skip("build", fmt.Sprintf("%s command could not start: %v", step.kind, err))
		}

		ok := res.ExitCode == 0 && !res.TimedOut
		switch {
		case ok:
			lines = append(lines, fmt.Sprintf("%s: PASSED", step.kind))
		case step.blocking:
			lines = append(lines, fmt.Sprintf("%s: FAILED", step.kind))
			if firstFailure == nil || !blockingFail {
				firstFailure = &step
				firstOutput = res.Output
				firstExit = res.ExitCode
			}
			blockingFail = true
		default:
			lines = append(lines, fmt.Sprintf("%s: FAILED (non-blocking)", step.kind))
			if firstFailure == nil {
				firstFailure = &step
				firstOutput = res.Output
				firstExit = res.ExitCode
			}
		}
	}

	result := core.ValidatorResult{
		Name:       "build",
		Passed:     !blockingFail,
		Severity:   core.SeverityInfo,
		Summary:    strings.Join(lines, "; "),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if firstFailure != nil {
		result.Evidence = core.ValidatorEvidence{
			Output:     firstOutput,
			FailedStep: firstFailure.kind + ": " + firstFailure.command,
			ExitCode:   &firstExit,
		}
		if blockingFail {
			result.Severity = core.SeverityBlocking
		} else {
			result.Severity = core.SeverityMinor
		}
	}
	return result
}

// collectSteps flattens the index services into ordered lint/build/test
// steps rooted at each service path.
func (b *Build) collectSteps(vctx core.ValidatorContext) []buildStep {
	if vctx.Index == nil {
		return nil
	}

	var steps []buildStep
	for _, svc := range vctx.Index.Services {
		dir := vctx.WorkingDir
		if svc.Path != "" {
			dir = filepath.Join(vctx.WorkingDir, svc.Path)
		}
		if svc.LintCommand != "" {
			steps = append(steps, buildStep{kind: "lint", command: svc.LintCommand, dir: dir, blocking: true})
		}
		if svc.BuildCommand != "" {
			steps = append(steps, buildStep{kind: "build", command: svc.BuildCommand, dir: dir, blocking: false})
		}
		if svc.TestCommand != "" {
			steps = append(steps, buildStep{kind: "test", command: svc.TestCommand, dir: dir, blocking: true})
		}
	}
	return steps
}

var _ core.Validator = (*Build)(nil)
