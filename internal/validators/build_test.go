package validators

import (
	"context"
	"strings"
	"testing"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

func newTestBuild(t *testing.T) *Build {
	t.Helper()
	return NewBuild(config.BuildValidatorConfig{TimeoutSecs: 30}, logging.NewNop())
}

func indexCtx(t *testing.T, services ...core.ServiceIndex) core.ValidatorContext {
	t.Helper()
	return core.ValidatorContext{
		WorkingDir: t.TempDir(),
		SpecDir:    t.TempDir(),
		Index:      &core.ProjectIndex{Services: services},
	}
}

func TestBuildSkipsWithoutIndex(t *testing.T) {
	b := newTestBuild(t)
	res := b.Run(context.Background(), core.ValidatorContext{WorkingDir: t.TempDir()})
	if !res.Skipped {
		t.Fatal("Skipped = false, want true")
	}
	if res.SkipReason != "no build system detected" {
		t.Errorf("SkipReason = %q", res.SkipReason)
	}
	if !res.Passed {
		t.Error("skipped result must still count as passed")
	}
}

func TestBuildAllStepsPass(t *testing.T) {
	skipOnWindows(t)
	b := newTestBuild(t)
	vctx := indexCtx(t, core.ServiceIndex{
		Name:         "app",
		LintCommand:  "echo lint ok",
		BuildCommand: "echo build ok",
		TestCommand:  "echo test ok",
	})

	res := b.Run(context.Background(), vctx)
	if !res.Passed {
		t.Fatalf("Passed = false, summary: %s", res.Summary)
	}
	if res.Severity != core.SeverityInfo {
		t.Errorf("Severity = %q, want info", res.Severity)
	}
	for _, kind := range []string{"lint: PASSED", "build: PASSED", "test: PASSED"} {
		if !strings.Contains(res.Summary, kind) {
			t.Errorf("Summary %q missing %q", res.Summary, kind)
		}
	}
}

func TestBuildLintFailureBlocks(t *testing.T) {
	skipOnWindows(t)
	b := newTestBuild(t)
	vctx := indexCtx(t, core.ServiceIndex{
		Name:        "app",
		LintCommand: "echo lint broken; exit 2",
		TestCommand: "echo test ok",
	})

	res := b.Run(context.Background(), vctx)
	if res.Passed {
		t.Fatal("Passed = true, want false for lint failure")
	}
	if res.Severity != core.SeverityBlocking {
		t.Errorf("Severity = %q, want blocking", res.Severity)
	}
	if !strings.Contains(res.Evidence.FailedStep, "lint") {
		t.Errorf("FailedStep = %q, want lint step", res.Evidence.FailedStep)
	}
	if res.Evidence.ExitCode == nil || *res.Evidence.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", res.Evidence.ExitCode)
	}
	if !strings.Contains(res.Evidence.Output, "lint broken") {
		t.Errorf("Output = %q, want lint output", res.Evidence.Output)
	}
}

func TestBuildProductionBuildFailureIsNonBlocking(t *testing.T) {
	skipOnWindows(t)
	b := newTestBuild(t)
	vctx := indexCtx(t, core.ServiceIndex{
		Name:         "app",
		BuildCommand: "exit 1",
		TestCommand:  "echo test ok",
	})

	res := b.Run(context.Background(), vctx)
	if !res.Passed {
		t.Fatal("Passed = false, want true when only the production build fails")
	}
	if res.Severity != core.SeverityMinor {
		t.Errorf("Severity = %q, want minor", res.Severity)
	}
	if !strings.Contains(res.Summary, "build: FAILED (non-blocking)") {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestBuildBlockingFailureWinsEvidenceSlot(t *testing.T) {
	skipOnWindows(t)
	b := newTestBuild(t)
	vctx := indexCtx(t, core.ServiceIndex{
		Name:         "app",
		BuildCommand: "exit 1",
		TestCommand:  "echo tests broken; exit 5",
	})

	res := b.Run(context.Background(), vctx)
	if res.Passed {
		t.Fatal("Passed = true, want false")
	}
	if !strings.Contains(res.Evidence.FailedStep, "test") {
		t.Errorf("FailedStep = %q, want the blocking test step", res.Evidence.FailedStep)
	}
	if res.Evidence.ExitCode == nil || *res.Evidence.ExitCode != 5 {
		t.Errorf("ExitCode = %v, want 5", res.Evidence.ExitCode)
	}
}

func TestBuildMultiServiceOrder(t *testing.T) {
	b := newTestBuild(t)
	vctx := indexCtx(t,
		core.ServiceIndex{Name: "api", Path: "backend", LintCommand: "echo a", TestCommand: "echo b"},
		core.ServiceIndex{Name: "web", Path: "frontend", BuildCommand: "echo c"},
	)

	steps := b.collectSteps(vctx)
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	wantKinds := []string{"lint", "test", "build"}
	for i, step := range steps {
		if step.kind != wantKinds[i] {
			t.Errorf("steps[%d].kind = %q, want %q", i, step.kind, wantKinds[i])
		}
	}
	if !strings.HasSuffix(steps[0].dir, "backend") {
		t.Errorf("steps[0].dir = %q, want backend suffix", steps[0].dir)
	}
	if !strings.HasSuffix(steps[2].dir, "frontend") {
		t.Errorf("steps[2].dir = %q, want frontend suffix", steps[2].dir)
	}
	if !steps[0].blocking || steps[2].blocking {
		t.Error("lint must block, production build must not")
	}
}

func TestBuildCancelledContextSkips(t *testing.T) {
	b := newTestBuild(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vctx := indexCtx(t, core.ServiceIndex{Name: "app", TestCommand: "echo hi"})
	res := b.Run(ctx, vctx)
	if !res.Skipped || res.SkipReason != "cancelled" {
		t.Fatalf("got %+v, want cancelled skip", res)
	}
}
