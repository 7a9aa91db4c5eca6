package config

import (
	"fmt"
	"strings"

	"github.com/auto-claude/auto-claude/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateDaemon(&cfg.Daemon)
	v.validateQA(&cfg.QA)
	v.validateGit(&cfg.Git)
	v.validateStatus(&cfg.Status)
	v.validateAgents(&cfg.Agents)
	v.validateValidators(&cfg.Validators)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateDaemon(cfg *DaemonConfig) {
	if cfg.ProjectDir == "" {
		v.addError("daemon.project_dir", cfg.ProjectDir, "project directory required")
	}

	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > 32 {
		v.addError("daemon.max_concurrent", cfg.MaxConcurrent, "must be between 1 and 32")
	}

	if cfg.StuckTimeoutSecs <= 0 {
		v.addError("daemon.stuck_timeout", cfg.StuckTimeoutSecs, "must be positive")
	}

	if cfg.RescanIntervalSecs <= 0 {
		v.addError("daemon.rescan_interval", cfg.RescanIntervalSecs, "must be positive")
	}

	if cfg.MaxRecovery < 0 || cfg.MaxRecovery > 10 {
		v.addError("daemon.max_recovery", cfg.MaxRecovery, "must be between 0 and 10")
	}

	if cfg.MaxChildDepth < 0 || cfg.MaxChildDepth > 5 {
		v.addError("daemon.max_child_depth", cfg.MaxChildDepth, "must be between 0 and 5")
	}

	if cfg.GraceTimeoutSecs <= 0 {
		v.addError("daemon.grace_timeout", cfg.GraceTimeoutSecs, "must be positive")
	}

	if cfg.DebounceWindowMs < 0 {
		v.addError("daemon.debounce_window_ms", cfg.DebounceWindowMs, "must be non-negative")
	}

	if cfg.HeartbeatSecs <= 0 {
		v.addError("daemon.heartbeat_interval", cfg.HeartbeatSecs, "must be positive")
	}

	validSources := map[string]bool{
		core.HeartbeatStdout: true,
		core.HeartbeatEvents: true,
		core.HeartbeatPlan:   true,
	}
	for _, src := range cfg.HeartbeatSources {
		if !validSources[src] {
			v.addError("daemon.heartbeat_sources", src, "must be one of: stdout, events, plan")
		}
	}
}

func (v *Validator) validateQA(cfg *QAConfig) {
	if cfg.MaxIterations < 1 || cfg.MaxIterations > 10 {
		v.addError("qa.max_iterations", cfg.MaxIterations, "must be between 1 and 10")
	}

	if cfg.MaxConsecutiveErrors < 1 || cfg.MaxConsecutiveErrors > 10 {
		v.addError("qa.max_consecutive_errors", cfg.MaxConsecutiveErrors, "must be between 1 and 10")
	}
}

func (v *Validator) validateGit(cfg *GitConfig) {
	if cfg.BranchPrefix == "" {
		v.addError("git.branch_prefix", cfg.BranchPrefix, "branch prefix required")
	} else if strings.ContainsAny(cfg.BranchPrefix, " \t~^:?*[\\") {
		v.addError("git.branch_prefix", cfg.BranchPrefix, "contains characters invalid in a ref name")
	}

	if cfg.BusyRetrySecs < 0 {
		v.addError("git.busy_retry_timeout", cfg.BusyRetrySecs, "must be non-negative")
	}

	if cfg.AcquireBackoffSecs < 0 {
		v.addError("git.acquire_backoff", cfg.AcquireBackoffSecs, "must be non-negative")
	}

	if cfg.AcquireMaxAttempts < 1 || cfg.AcquireMaxAttempts > 10 {
		v.addError("git.acquire_max_attempts", cfg.AcquireMaxAttempts, "must be between 1 and 10")
	}
}

func (v *Validator) validateStatus(cfg *StatusConfig) {
	if !cfg.Enabled {
		return
	}

	if cfg.PortBase < 1024 || cfg.PortBase > 65535 {
		v.addError("status.port_base", cfg.PortBase, "must be between 1024 and 65535")
	}

	if cfg.PortAttempts < 1 || cfg.PortAttempts > 100 {
		v.addError("status.port_attempts", cfg.PortAttempts, "must be between 1 and 100")
	}

	if cfg.PortBase+cfg.PortAttempts-1 > 65535 {
		v.addError("status.port_attempts", cfg.PortAttempts, "port range exceeds 65535")
	}

	if cfg.PublishIntervalSecs < 1 {
		v.addError("status.publish_interval", cfg.PublishIntervalSecs, "must be positive")
	}
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	if cfg.Binary == "" {
		v.addError("agents.binary", cfg.Binary, "agent binary required")
	}

	if cfg.Thinking != "" {
		if _, err := core.ParseThinkingLevel(cfg.Thinking); err != nil {
			v.addError("agents.thinking", cfg.Thinking, "must be one of: none, low, medium, high, max")
		}
	}
}

func (v *Validator) validateValidators(cfg *ValidatorsConfig) {
	if cfg.Build.TimeoutSecs <= 0 {
		v.addError("validators.build.timeout", cfg.Build.TimeoutSecs, "must be positive")
	}

	if cfg.Browser.DevServerTimeoutSec <= 0 {
		v.addError("validators.browser.dev_server_timeout", cfg.Browser.DevServerTimeoutSec, "must be positive")
	}
}

// ValidateConfig validates cfg and wraps any violations in a
// config-category error so callers can map it to the right exit code.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	if err := v.Validate(cfg); err != nil {
		return core.ErrConfig(core.CodeInvalidConfig, err.Error()).WithCause(err)
	}
	return nil
}
