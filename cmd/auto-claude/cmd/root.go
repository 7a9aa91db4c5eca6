package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// Exit codes of the daemon CLI surface.
const (
	ExitOK             = 0
	ExitConfigError    = 1
	ExitAlreadyRunning = 2
	ExitNotInitialized = 3
	ExitInterrupted    = 130
)

// errInterrupted marks a run cut short by SIGINT/SIGTERM.
var errInterrupted = errors.New("interrupted")

var (
	cfgFile    string
	projectDir string
	logLevel   string
	logFormat  string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "auto-claude",
	Short: "Autonomous task daemon for agent-driven development",
	Long: `auto-claude supervises a project's task queue: it discovers queued
specs, runs each one through planning, implementation, and QA in an
isolated git worktree, and publishes progress for UI consumers over a
status file and a loopback WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// ExitCode maps an Execute error to the documented process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	var dom *core.DomainError
	if errors.As(err, &dom) {
		switch dom.Code {
		case core.CodeAlreadyRunning:
			return ExitAlreadyRunning
		case core.CodeProjectNotInitialized:
			return ExitNotInitialized
		}
	}
	return ExitConfigError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: {project}/.auto-claude/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "",
		"project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// resolveProjectDir returns the absolute project root from --project-dir,
// falling back to the working directory.
func resolveProjectDir() (string, error) {
	dir := projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", core.ErrConfig(core.CodeInvalidConfig, "cannot resolve working directory: "+err.Error())
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", core.ErrConfig(core.CodeInvalidConfig, "cannot resolve project dir: "+err.Error())
	}
	return abs, nil
}

// newLogger builds the command logger. Logs go to stderr; stdout stays
// reserved for command output and child heartbeat lines.
func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stderr,
	})
}
