package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/auto-claude/auto-claude/internal/core"
)

func TestLoader_Defaults(t *testing.T) {
	loader := NewLoader().WithProjectDir(t.TempDir())
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", cfg.Daemon.MaxConcurrent)
	}
	if cfg.Daemon.UseWorktrees {
		t.Error("UseWorktrees should default to false")
	}
	if cfg.Daemon.StuckTimeoutSecs != 600 {
		t.Errorf("StuckTimeoutSecs = %d, want 600", cfg.Daemon.StuckTimeoutSecs)
	}
	if cfg.Daemon.RescanIntervalSecs != 60 {
		t.Errorf("RescanIntervalSecs = %d, want 60", cfg.Daemon.RescanIntervalSecs)
	}
	if cfg.Daemon.MaxRecovery != 3 {
		t.Errorf("MaxRecovery = %d, want 3", cfg.Daemon.MaxRecovery)
	}
	if cfg.Daemon.MaxChildDepth != 2 {
		t.Errorf("MaxChildDepth = %d, want 2", cfg.Daemon.MaxChildDepth)
	}
	if cfg.QA.MaxIterations != 3 {
		t.Errorf("QA.MaxIterations = %d, want 3", cfg.QA.MaxIterations)
	}
	if cfg.Git.BranchPrefix != core.TaskBranchPrefix {
		t.Errorf("BranchPrefix = %q, want %q", cfg.Git.BranchPrefix, core.TaskBranchPrefix)
	}
	if cfg.Status.PortBase != core.WSPortBase {
		t.Errorf("PortBase = %d, want %d", cfg.Status.PortBase, core.WSPortBase)
	}
	if cfg.Agents.Binary != "claude" {
		t.Errorf("Agents.Binary = %q, want \"claude\"", cfg.Agents.Binary)
	}
}

func TestLoader_ProjectConfigFile(t *testing.T) {
	projectDir := t.TempDir()
	privateDir := filepath.Join(projectDir, core.PrivateDirName)
	if err := os.MkdirAll(privateDir, 0o750); err != nil {
		t.Fatal(err)
	}

	yaml := "daemon:\n  max_concurrent: 4\n  use_worktrees: true\nqa:\n  max_iterations: 5\n"
	if err := os.WriteFile(filepath.Join(privateDir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithProjectDir(projectDir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Daemon.MaxConcurrent)
	}
	if !cfg.Daemon.UseWorktrees {
		t.Error("UseWorktrees should be overridden to true")
	}
	if cfg.QA.MaxIterations != 5 {
		t.Errorf("QA.MaxIterations = %d, want 5", cfg.QA.MaxIterations)
	}
	// Untouched keys keep defaults.
	if cfg.Daemon.StuckTimeoutSecs != 600 {
		t.Errorf("StuckTimeoutSecs = %d, want default 600", cfg.Daemon.StuckTimeoutSecs)
	}
}

func TestLoader_BareEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CHILD_DEPTH", "4")
	t.Setenv("HEADLESS_BROWSER", "true")
	t.Setenv("MARIONETTE_DISABLED", "true")

	cfg, err := NewLoader().WithProjectDir(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.MaxChildDepth != 4 {
		t.Errorf("MaxChildDepth = %d, want 4 from MAX_CHILD_DEPTH", cfg.Daemon.MaxChildDepth)
	}
	if !cfg.Validators.Browser.Headless {
		t.Error("HEADLESS_BROWSER=true should force headless")
	}
	if !cfg.Validators.Flutter.MarionetteDisabled {
		t.Error("MARIONETTE_DISABLED=true should disable the widget bridge")
	}
}

func TestLoader_PrefixedEnvOverrides(t *testing.T) {
	t.Setenv("AUTO_CLAUDE_DAEMON_STUCK_TIMEOUT", "120")

	cfg, err := NewLoader().WithProjectDir(t.TempDir()).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.StuckTimeoutSecs != 120 {
		t.Errorf("StuckTimeoutSecs = %d, want 120 from env", cfg.Daemon.StuckTimeoutSecs)
	}
}

func TestLoader_DotenvFeedsEnvironment(t *testing.T) {
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, ".env"), []byte("MAX_CHILD_DEPTH=3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides an existing variable, so clear it.
	t.Setenv("MAX_CHILD_DEPTH", "")
	os.Unsetenv("MAX_CHILD_DEPTH")

	cfg, err := NewLoader().WithProjectDir(projectDir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Daemon.MaxChildDepth != 3 {
		t.Errorf("MaxChildDepth = %d, want 3 from .env", cfg.Daemon.MaxChildDepth)
	}
}

func TestLoader_ProjectDirFallback(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewLoader().WithProjectDir(dir).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Daemon.ProjectDir != dir {
		t.Errorf("ProjectDir = %q, want %q", cfg.Daemon.ProjectDir, dir)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DaemonConfig{
		StuckTimeoutSecs:   600,
		RescanIntervalSecs: 60,
		GraceTimeoutSecs:   30,
		DebounceWindowMs:   100,
		HeartbeatSecs:      30,
	}

	if got := cfg.StuckTimeout().Seconds(); got != 600 {
		t.Errorf("StuckTimeout = %vs, want 600s", got)
	}
	if got := cfg.RescanInterval().Seconds(); got != 60 {
		t.Errorf("RescanInterval = %vs, want 60s", got)
	}
	if got := cfg.GraceTimeout().Seconds(); got != 30 {
		t.Errorf("GraceTimeout = %vs, want 30s", got)
	}
	if got := cfg.DebounceWindow().Milliseconds(); got != 100 {
		t.Errorf("DebounceWindow = %vms, want 100ms", got)
	}
}
