package validators

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// migrationDirCandidates are checked in order when the index names none.
var migrationDirCandidates = []string{
	"migrations",
	"db/migrations",
	"prisma/migrations",
	"alembic/versions",
	"db/migrate",
}

// DB checks that the project's migrations apply cleanly. A configured
// migrate command is authoritative; otherwise plain SQL migrations are
// replayed against a throwaway sqlite schema and the first failing file is
// reported.
type DB struct {
	cfg    config.DatabaseValidatorConfig
	logger *logging.Logger
}

// NewDB creates the database validator.
func NewDB(cfg config.DatabaseValidatorConfig, logger *logging.Logger) *DB {
	return &DB{cfg: cfg, logger: logger.WithValidator("db")}
}

func (d *DB) Name() string { return "db" }

func (d *DB) Selectable(caps core.Capabilities) bool { return caps.HasDatabase }

func (d *DB) ArtifactGlobs() []string {
	return []string{
		"**/migrations/**",
		"**/*.sql",
		"**/schema.prisma",
	}
}

// Run applies migrations. Setup problems skip; a failing migration fails.
func (d *DB) Run(ctx context.Context, vctx core.ValidatorContext) core.ValidatorResult {
	start := time.Now()

	if cmd := d.migrateCommand(vctx); cmd != "" {
		return d.runMigrateCommand(ctx, cmd, vctx, start)
	}

	dir := d.migrationsDir(vctx)
	if dir == "" {
		return core.Skip("db", "no migrations directory found")
	}

	files, err := sqlFiles(dir)
	if err != nil {
		return core.Skip("db", fmt.Sprintf("cannot list migrations: %v", err))
	}
	if len(files) == 0 {
		return core.Skip("db", fmt.Sprintf("no sql migrations under %s", dir))
	}

	failedFile, output, err := d.applyThrowaway(ctx, dir, files)
	result := core.ValidatorResult{
		Name:       "db",
		Passed:     err == nil,
		Severity:   core.SeverityInfo,
		Summary:    fmt.Sprintf("%d migrations applied", len(files)),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Severity = core.SeverityMajor
		result.Summary = fmt.Sprintf("migration failed: %s", failedFile)
		result.Evidence = core.ValidatorEvidence{
			Output:     truncateOutput(output, 2000),
			FailedStep: failedFile,
		}
	}
	return result
}

// migrateCommand returns the configured migration command, config first,
// then the service index.
func (d *DB) migrateCommand(vctx core.ValidatorContext) string {
	if d.cfg.MigrateCommand != "" {
		return d.cfg.MigrateCommand
	}
	if vctx.Index == nil {
		return ""
	}
	for _, svc := range vctx.Index.Services {
		if svc.MigrateCmd != "" {
			return svc.MigrateCmd
		}
	}
	return ""
}

func (d *DB) runMigrateCommand(ctx context.Context, command string, vctx core.ValidatorContext, start time.Time) core.ValidatorResult {
	d.logger.Info("running migrate command", "command", command)
	res, err := runShell(ctx, command, vctx.WorkingDir, defaultCommandTimeout)
	if err != nil {
		return core.Skip("db", fmt.Sprintf("migrate command could not start: %v", err))
	}

	passed := res.ExitCode == 0 && !res.TimedOut
	result := core.ValidatorResult{
		Name:       "db",
		Passed:     passed,
		Severity:   core.SeverityInfo,
		Summary:    "migrate command passed",
		DurationMs: time.Since(start).Milliseconds(),
	}
	if !passed {
		result.Severity = core.SeverityMajor
		result.Summary = "migrate command failed"
		result.Evidence = core.ValidatorEvidence{
			Output:     res.Output,
			FailedStep: command,
			ExitCode:   &res.ExitCode,
		}
	}
	return result
}

// migrationsDir resolves the migrations directory inside the worktree.
func (d *DB) migrationsDir(vctx core.ValidatorContext) string {
	if vctx.Index != nil {
		for _, svc := range vctx.Index.Services {
			if svc.MigrationsDir == "" {
				continue
			}
			dir := filepath.Join(vctx.WorkingDir, svc.MigrationsDir)
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				return dir
			}
		}
	}
	for _, candidate := range migrationDirCandidates {
		dir := filepath.Join(vctx.WorkingDir, candidate)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// sqlFiles lists .sql files under dir recursively, sorted so prisma-style
// timestamped subdirectories replay in creation order.
func sqlFiles(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// applyThrowaway replays the migrations against a temp sqlite database.
// Goose-annotated files go through goose; bare SQL is executed in order.
func (d *DB) applyThrowaway(ctx context.Context, dir string, files []string) (failedFile, output string, err error) {
	tmpDir, err := os.MkdirTemp("", "auto-claude-db-*")
	if err != nil {
		return "", "", fmt.Errorf("temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	db, err := sql.Open("sqlite", filepath.Join(tmpDir, "throwaway.db"))
	if err != nil {
		return "", "", fmt.Errorf("open throwaway db: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if gooseAnnotated(dir, files[0]) {
		goose.SetBaseFS(nil)
		goose.SetLogger(goose.NopLogger())
		if derr := goose.SetDialect("sqlite3"); derr != nil {
			return "", "", derr
		}
		if uerr := goose.Up(db, dir); uerr != nil {
			return gooseFailedFile(uerr, files), uerr.Error(), uerr
		}
		return "", "", nil
	}

	for _, rel := range files {
		if ctx.Err() != nil {
			return rel, "cancelled", ctx.Err()
		}
		data, rerr := os.ReadFile(filepath.Join(dir, rel))
		if rerr != nil {
			return rel, rerr.Error(), rerr
		}
		if _, xerr := db.ExecContext(ctx, string(data)); xerr != nil {
			return rel, xerr.Error(), xerr
		}
	}
	return "", "", nil
}

// gooseAnnotated reports whether the first migration carries goose markers.
func gooseAnnotated(dir, first string) bool {
	data, err := os.ReadFile(filepath.Join(dir, first))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "+goose Up")
}

// gooseFailedFile pulls the failing migration name out of a goose error.
func gooseFailedFile(err error, files []string) string {
	msg := err.Error()
	for _, f := range files {
		if strings.Contains(msg, filepath.Base(f)) {
			return f
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return ""
}

var _ core.Validator = (*DB)(nil)
