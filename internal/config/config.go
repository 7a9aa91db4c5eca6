package config

import (
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	QA         QAConfig         `mapstructure:"qa"`
	Git        GitConfig        `mapstructure:"git"`
	Status     StatusConfig     `mapstructure:"status"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Validators ValidatorsConfig `mapstructure:"validators"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DaemonConfig configures the task supervisor.
//
// Interval fields hold whole seconds so that CLI flags, env values, and
// YAML all agree on units; use the duration accessors everywhere else.
type DaemonConfig struct {
	ProjectDir         string   `mapstructure:"project_dir"`
	MaxConcurrent      int      `mapstructure:"max_concurrent"`
	UseWorktrees       bool     `mapstructure:"use_worktrees"`
	StatusFile         string   `mapstructure:"status_file"`
	StuckTimeoutSecs   int      `mapstructure:"stuck_timeout"`
	RescanIntervalSecs int      `mapstructure:"rescan_interval"`
	MaxRecovery        int      `mapstructure:"max_recovery"`
	MaxChildDepth      int      `mapstructure:"max_child_depth"`
	GraceTimeoutSecs   int      `mapstructure:"grace_timeout"`
	DebounceWindowMs   int      `mapstructure:"debounce_window_ms"`
	HeartbeatSecs      int      `mapstructure:"heartbeat_interval"`
	HeartbeatSources   []string `mapstructure:"heartbeat_sources"`
}

// StuckTimeout returns the no-activity threshold after which a running
// task is considered stuck.
func (c DaemonConfig) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSecs) * time.Second
}

// RescanInterval returns the period of the full specs-directory rescan.
func (c DaemonConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSecs) * time.Second
}

// GraceTimeout returns how long a stuck task gets between SIGTERM and
// SIGKILL.
func (c DaemonConfig) GraceTimeout() time.Duration {
	return time.Duration(c.GraceTimeoutSecs) * time.Second
}

// DebounceWindow returns the settle window applied to filesystem events
// before a spec dir is re-evaluated.
func (c DaemonConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMs) * time.Millisecond
}

// HeartbeatInterval returns the cadence of daemon liveness beats.
func (c DaemonConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// QAConfig configures the review loop.
type QAConfig struct {
	MaxIterations        int `mapstructure:"max_iterations"`
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`
}

// GitConfig configures worktree isolation.
type GitConfig struct {
	BranchPrefix       string `mapstructure:"branch_prefix"`
	BusyRetrySecs      int    `mapstructure:"busy_retry_timeout"`
	AcquireBackoffSecs int    `mapstructure:"acquire_backoff"`
	AcquireMaxAttempts int    `mapstructure:"acquire_max_attempts"`
	// BaseBranch is the branch task branches fork from and merge back
	// into. Empty means detect (origin HEAD, then main, then master).
	BaseBranch string `mapstructure:"base_branch"`
}

// BusyRetryWindow returns how long worktree removal retries while the
// directory is held open by a dying process.
func (c GitConfig) BusyRetryWindow() time.Duration {
	return time.Duration(c.BusyRetrySecs) * time.Second
}

// AcquireBackoff returns the delay between failed worktree acquisitions.
func (c GitConfig) AcquireBackoff() time.Duration {
	return time.Duration(c.AcquireBackoffSecs) * time.Second
}

// StatusConfig configures the status file and WebSocket bridge.
type StatusConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	PortBase            int  `mapstructure:"port_base"`
	PortAttempts        int  `mapstructure:"port_attempts"`
	PublishIntervalSecs int  `mapstructure:"publish_interval"`
}

// PublishInterval returns the periodic re-publish cadence of the bridge.
func (c StatusConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSecs) * time.Second
}

// AgentsConfig configures agent session launching.
type AgentsConfig struct {
	Binary     string `mapstructure:"binary"`
	Model      string `mapstructure:"model"`
	Thinking   string `mapstructure:"thinking"`
	ConfigFile string `mapstructure:"config_file"`
}

// ValidatorsConfig configures the QA validator set.
type ValidatorsConfig struct {
	Build    BuildValidatorConfig    `mapstructure:"build"`
	Browser  BrowserValidatorConfig  `mapstructure:"browser"`
	Flutter  FlutterValidatorConfig  `mapstructure:"flutter"`
	Database DatabaseValidatorConfig `mapstructure:"database"`
}

// BuildValidatorConfig configures lint/build/test command execution.
type BuildValidatorConfig struct {
	TimeoutSecs int `mapstructure:"timeout"`
}

// Timeout returns the per-command deadline of the build validator.
func (c BuildValidatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// BrowserValidatorConfig configures the UI smoke validator.
type BrowserValidatorConfig struct {
	// Binary is the headless browser executable. Empty searches PATH for
	// the usual chromium names.
	Binary              string `mapstructure:"binary"`
	Headless            bool   `mapstructure:"headless"`
	DevServerTimeoutSec int    `mapstructure:"dev_server_timeout"`
}

// DevServerTimeout returns how long the validator waits for the dev
// server port to accept connections.
func (c BrowserValidatorConfig) DevServerTimeout() time.Duration {
	return time.Duration(c.DevServerTimeoutSec) * time.Second
}

// FlutterValidatorConfig configures the Flutter widget bridge.
type FlutterValidatorConfig struct {
	MarionetteDisabled bool `mapstructure:"marionette_disabled"`
}

// DatabaseValidatorConfig configures migration validation.
type DatabaseValidatorConfig struct {
	MigrateCommand string `mapstructure:"migrate_command"`
}
