// Package agentcli binds the agent-session contract to an external agent
// CLI subprocess. It spawns the binary in stream-json mode, adapts the JSONL
// stdout into typed session events, and owns process-group termination.
package agentcli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// Launcher spawns one agent CLI subprocess per session. It implements
// core.SessionLauncher.
type Launcher struct {
	binary    string
	model     string
	promptDir string
	logger    *logging.Logger
	heartbeat func(time.Time)
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithPromptDir points the launcher at a directory of system prompt files.
// Agent definitions referencing "name.md" resolve against it.
func WithPromptDir(dir string) Option {
	return func(l *Launcher) {
		l.promptDir = dir
	}
}

// WithLogger sets the launcher logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithHeartbeat registers a callback invoked on every stdout line from any
// launched session. The daemon feeds these into stuck detection.
func WithHeartbeat(fn func(time.Time)) Option {
	return func(l *Launcher) {
		l.heartbeat = fn
	}
}

// NewLauncher creates a launcher from the agents configuration.
func NewLauncher(cfg config.AgentsConfig, opts ...Option) *Launcher {
	l := &Launcher{
		binary: cfg.Binary,
		model:  cfg.Model,
		logger: logging.NewNop(),
	}
	if l.binary == "" {
		l.binary = "claude"
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts one agent turn. The returned session streams events until
// the subprocess exits; cancelling ctx tears the process group down.
func (l *Launcher) Launch(ctx context.Context, spec core.SessionSpec) (core.AgentSession, error) {
	if spec.WorkingDir == "" {
		return nil, core.ErrConfig(core.CodeInvalidConfig, "session needs a working directory")
	}

	args := l.buildArgs(spec)

	// Multi-word binary values ("npx claude") split into path + leading args.
	binParts := strings.Fields(l.binary)
	binPath := binParts[0]
	if len(binParts) > 1 {
		args = append(binParts[1:], args...)
	}

	resolved, err := exec.LookPath(binPath)
	if err != nil {
		return nil, core.ErrAgentPersistent(fmt.Sprintf("agent binary %q not found", binPath)).WithCause(err)
	}

	// #nosec G204 -- binary comes from config and is resolved via LookPath
	cmd := exec.Command(resolved, args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = l.buildEnv(spec)
	if spec.Prompt != "" {
		cmd.Stdin = strings.NewReader(spec.Prompt)
	}
	configureProcAttr(cmd)

	id := uuid.NewString()
	sess, err := startSession(ctx, id, cmd, l.logger.With("session", id, "agent", spec.Agent.Name), l.heartbeat)
	if err != nil {
		return nil, err
	}

	l.logger.Info("agent session started",
		"session", id,
		"agent", spec.Agent.Name,
		"model", spec.Model,
		"work_dir", spec.WorkingDir,
		"pid", sess.pid(),
	)
	return sess, nil
}

// buildArgs constructs the CLI argument list for one session.
func (l *Launcher) buildArgs(spec core.SessionSpec) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	model := spec.Model
	if model == "" {
		model = l.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if prompt := l.resolveSystemPrompt(spec.Agent.SystemPrompt); prompt != "" {
		args = append(args, "--append-system-prompt", prompt)
	}

	if spec.PermissionMode != "" && spec.PermissionMode != "default" {
		args = append(args, "--permission-mode", spec.PermissionMode)
	}

	caps := spec.Capabilities
	if caps.SecurityLevel == core.SecurityFull {
		args = append(args, "--dangerously-skip-permissions")
	} else if len(caps.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(caps.Tools, ","))
	}
	if len(caps.ExtraDeny) > 0 {
		deny := make([]string, 0, len(caps.ExtraDeny))
		for _, rule := range caps.ExtraDeny {
			deny = append(deny, fmt.Sprintf("Bash(%s:*)", rule))
		}
		args = append(args, "--disallowedTools", strings.Join(deny, ","))
	}

	return args
}

// buildEnv assembles the subprocess environment. Output stays unbuffered so
// stdout lines arrive in real time and double as heartbeats; a buffered
// stream would trip stuck detection on a healthy session.
func (l *Launcher) buildEnv(spec core.SessionSpec) []string {
	env := os.Environ()
	env = append(env,
		"NO_BUFFER=1",
		"PYTHONUNBUFFERED=1",
		"AUTO_CLAUDE_MANAGED=true",
		"AUTO_CLAUDE_AGENT="+spec.Agent.Name,
	)
	if spec.SpecDir != "" {
		env = append(env, "AUTO_CLAUDE_SPEC_DIR="+spec.SpecDir)
	}
	if effort := effortLevel(spec.Thinking); effort != "" {
		env = append(env, "CLAUDE_CODE_EFFORT_LEVEL="+effort)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// resolveSystemPrompt loads a system prompt. Values ending in .md resolve
// against the prompt directory when one is configured and the file exists;
// anything else passes through as literal prompt text.
func (l *Launcher) resolveSystemPrompt(raw string) string {
	if raw == "" {
		return ""
	}
	if l.promptDir == "" || !strings.HasSuffix(raw, ".md") {
		return raw
	}
	data, err := os.ReadFile(filepath.Join(l.promptDir, filepath.Base(raw)))
	if err != nil {
		l.logger.Warn("system prompt file unavailable, passing name through", "prompt", raw, "error", err)
		return raw
	}
	return string(data)
}

// effortLevel maps a thinking level to the CLI effort env value.
func effortLevel(t core.ThinkingLevel) string {
	switch t {
	case core.ThinkingLow:
		return "low"
	case core.ThinkingMedium:
		return "medium"
	case core.ThinkingHigh:
		return "high"
	case core.ThinkingMax:
		return "max"
	default:
		return ""
	}
}

var _ core.SessionLauncher = (*Launcher)(nil)
