package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	projectDir string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "AUTO_CLAUDE",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "AUTO_CLAUDE",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithProjectDir points the loader at the project whose private config
// directory should be searched.
func (l *Loader) WithProjectDir(dir string) *Loader {
	l.projectDir = dir
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (AUTO_CLAUDE_*, plus the documented bare names)
// 3. Project config ({project}/.auto-claude/config.yaml)
// 4. Global config (~/.auto-claude/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	// The original toolchain read {project}/.env before the environment;
	// missing files are fine.
	if l.projectDir != "" {
		_ = godotenv.Load(filepath.Join(l.projectDir, ".env"))
	}

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// These three are documented without the prefix.
	_ = l.v.BindEnv("daemon.max_child_depth", "AUTO_CLAUDE_DAEMON_MAX_CHILD_DEPTH", "MAX_CHILD_DEPTH")
	_ = l.v.BindEnv("validators.browser.headless", "AUTO_CLAUDE_VALIDATORS_BROWSER_HEADLESS", "HEADLESS_BROWSER")
	_ = l.v.BindEnv("validators.flutter.marionette_disabled", "AUTO_CLAUDE_VALIDATORS_FLUTTER_MARIONETTE_DISABLED", "MARIONETTE_DISABLED")

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")

		// Project config takes precedence over the global one.
		if l.projectDir != "" {
			l.v.AddConfigPath(filepath.Join(l.projectDir, core.PrivateDirName))
		}
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".auto-claude"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Daemon.ProjectDir == "" {
		cfg.Daemon.ProjectDir = l.projectDir
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Daemon defaults
	l.v.SetDefault("daemon.max_concurrent", 1)
	l.v.SetDefault("daemon.use_worktrees", false)
	l.v.SetDefault("daemon.status_file", "")
	l.v.SetDefault("daemon.stuck_timeout", 600)
	l.v.SetDefault("daemon.rescan_interval", 60)
	l.v.SetDefault("daemon.max_recovery", 3)
	l.v.SetDefault("daemon.max_child_depth", 2)
	l.v.SetDefault("daemon.grace_timeout", 30)
	l.v.SetDefault("daemon.debounce_window_ms", 100)
	l.v.SetDefault("daemon.heartbeat_interval", 30)
	l.v.SetDefault("daemon.heartbeat_sources", core.HeartbeatSources)

	// QA defaults
	l.v.SetDefault("qa.max_iterations", 3)
	l.v.SetDefault("qa.max_consecutive_errors", 3)

	// Git defaults
	l.v.SetDefault("git.branch_prefix", core.TaskBranchPrefix)
	l.v.SetDefault("git.busy_retry_timeout", 30)
	l.v.SetDefault("git.acquire_backoff", 60)
	l.v.SetDefault("git.acquire_max_attempts", 3)
	l.v.SetDefault("git.base_branch", "")

	// Status bridge defaults
	l.v.SetDefault("status.enabled", true)
	l.v.SetDefault("status.port_base", core.WSPortBase)
	l.v.SetDefault("status.port_attempts", core.WSPortAttempts)
	l.v.SetDefault("status.publish_interval", 4)

	// Agent defaults
	l.v.SetDefault("agents.binary", "claude")
	l.v.SetDefault("agents.model", "")
	l.v.SetDefault("agents.thinking", "medium")
	l.v.SetDefault("agents.config_file", "")

	// Validator defaults
	l.v.SetDefault("validators.build.timeout", 300)
	l.v.SetDefault("validators.browser.headless", false)
	l.v.SetDefault("validators.browser.dev_server_timeout", 120)
	l.v.SetDefault("validators.flutter.marionette_disabled", false)
	l.v.SetDefault("validators.database.migrate_command", "")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
